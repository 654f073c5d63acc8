package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// connections holds stored connection configurations. Settings carry
// endpoints and options only; secret values live in the secrets collection.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("connections")

		col.Fields.Add(&core.TextField{Name: "provider_tag", Required: true})
		col.Fields.Add(&core.TextField{Name: "title", Required: true})
		col.Fields.Add(&core.JSONField{Name: "settings"})
		col.Fields.Add(&core.AutodateField{
			Name:     "created",
			OnCreate: true,
		})
		col.Fields.Add(&core.AutodateField{
			Name:     "updated",
			OnCreate: true,
			OnUpdate: true,
		})

		rule := "@request.auth.id != ''"
		col.ListRule = &rule
		col.ViewRule = &rule
		col.CreateRule = &rule
		col.UpdateRule = &rule
		col.DeleteRule = &rule

		col.Indexes = []string{
			"CREATE INDEX idx_connections_provider_tag ON connections (provider_tag)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("connections")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
