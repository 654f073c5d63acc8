package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// secrets holds encrypted credential values, one record per
// (connection, field) pair. All rules are nil: the collection is reachable
// only through the backend secret store, never from clients.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("secrets")

		col.Fields.Add(&core.TextField{Name: "connection_id", Required: true})
		col.Fields.Add(&core.TextField{Name: "field", Required: true})
		// AES-256-GCM ciphertext, hex encoded.
		col.Fields.Add(&core.TextField{Name: "value", Required: true})
		col.Fields.Add(&core.AutodateField{
			Name:     "created",
			OnCreate: true,
		})
		col.Fields.Add(&core.AutodateField{
			Name:     "updated",
			OnCreate: true,
			OnUpdate: true,
		})

		col.ListRule = nil
		col.ViewRule = nil
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_secrets_connection_field ON secrets (connection_id, field)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("secrets")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
