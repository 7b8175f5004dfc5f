package database

import (
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationImportLegacyPedidos = "2026-10-16_import_legacy_pedidos"
	legacyPedidosTable           = "pedidos"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, legacyLocation *time.Location, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationImportLegacyPedidos, apply: func(tx *gorm.DB) error {
			return importLegacyPedidos(tx, legacyLocation)
		}},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type legacyPedido struct {
	Nombre      string
	Cancion     string
	Dedicatoria string
	Artista     string
	FechaHora   string
}

// importLegacyPedidos copies rows from the single-table schema of the first
// release into requests. Rows without a name or song are skipped. The first
// release stamped fecha_hora with the host's wall clock, so timestamps are read
// in location and stored as UTC; unparseable values are kept verbatim.
func importLegacyPedidos(db *gorm.DB, location *time.Location) error {
	if !db.Migrator().HasTable(legacyPedidosTable) {
		return nil
	}
	if location == nil {
		location = time.Local
	}

	var legacy []legacyPedido
	err := db.Raw(`SELECT TRIM(nombre) AS nombre, TRIM(cancion) AS cancion,
		COALESCE(dedicatoria, '') AS dedicatoria, COALESCE(artista, '') AS artista,
		COALESCE(fecha_hora, '') AS fecha_hora
		FROM ` + legacyPedidosTable + `
		WHERE TRIM(COALESCE(nombre, '')) <> '' AND TRIM(COALESCE(cancion, '')) <> ''
		ORDER BY id ASC`).Scan(&legacy).Error
	if err != nil {
		return err
	}
	if len(legacy) == 0 {
		return nil
	}

	imported := make([]records.Request, 0, len(legacy))
	for _, row := range legacy {
		imported = append(imported, records.Request{
			Nombre:      row.Nombre,
			Cancion:     row.Cancion,
			Dedicatoria: row.Dedicatoria,
			Artista:     row.Artista,
			FechaHora:   legacyTimestampToUTC(row.FechaHora, location),
		})
	}
	return db.CreateInBatches(&imported, 200).Error
}

func legacyTimestampToUTC(value string, location *time.Location) string {
	trimmed := strings.TrimSpace(value)
	if len(trimmed) > len(records.TimestampLayout) {
		// datetime.now() strings may carry fractional seconds.
		trimmed = trimmed[:len(records.TimestampLayout)]
	}
	local, err := time.ParseInLocation(records.TimestampLayout, trimmed, location)
	if err != nil {
		return value
	}
	return records.FormatTimestamp(local)
}
