package graph

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Attacher verknüpft Tags und Dateien der Staging-Zeilen mit den daraus
// erzeugten Knoten und Kanten.
type Attacher interface {
	Attach(ctx context.Context, importID uint) error
}

var attachStatements = []struct {
	name string
	sql  string
}{
	{"node tags", `INSERT INTO node_tags (node_id, tag_id)
		SELECT n.id, t.tag_id FROM nodes n JOIN data_staging_tags t ON t.staging_id = n.data_staging_id
		WHERE n.import_data_id = ? ON CONFLICT DO NOTHING`},
	{"edge tags", `INSERT INTO edge_tags (edge_id, tag_id)
		SELECT e.id, t.tag_id FROM edges e JOIN data_staging_tags t ON t.staging_id = e.data_staging_id
		WHERE e.import_data_id = ? ON CONFLICT DO NOTHING`},
	{"node files", `INSERT INTO node_files (node_id, file_id)
		SELECT n.id, f.file_id FROM nodes n JOIN data_staging_files f ON f.staging_id = n.data_staging_id
		WHERE n.import_data_id = ? ON CONFLICT DO NOTHING`},
	{"edge files", `INSERT INTO edge_files (edge_id, file_id)
		SELECT e.id, f.file_id FROM edges e JOIN data_staging_files f ON f.staging_id = e.data_staging_id
		WHERE e.import_data_id = ? ON CONFLICT DO NOTHING`},
}

// GormAttacher führt die Verknüpfung per INSERT ... SELECT aus.
type GormAttacher struct {
	DB *gorm.DB
}

// NewGormAttacher erstellt einen neuen GormAttacher.
func NewGormAttacher(db *gorm.DB) *GormAttacher {
	return &GormAttacher{DB: db}
}

func (a *GormAttacher) Attach(ctx context.Context, importID uint) error {
	for _, st := range attachStatements {
		if err := a.DB.WithContext(ctx).Exec(st.sql, importID).Error; err != nil {
			return fmt.Errorf("attach %s for import %d: %w", st.name, importID, err)
		}
	}
	return nil
}
