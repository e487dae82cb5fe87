package app

import "context"

// Migrate applies pending schema migrations from the configured directory.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	ran, err := store.ApplyMigrations(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}

	if len(ran) == 0 {
		a.Logger.Info().Msg("schema is up to date")
		return nil
	}
	a.Logger.Info().Strs("applied", ran).Msg("migrations applied")
	return nil
}
