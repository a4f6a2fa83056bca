package app

import (
	"database/sql"
	"fmt"

	"github.com/Krestall88/cleaning-control/internal/config"
	"github.com/Krestall88/cleaning-control/internal/db"
	"github.com/Krestall88/cleaning-control/internal/engine"
	"github.com/Krestall88/cleaning-control/internal/migrate"
)

// Context is the assembled runtime for one workspace: an open migrated
// database, the loaded config, and the engine wired on top. Close the
// context when done.
type Context struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Engine    engine.Engine
}

// Open loads the workspace config, opens the database, applies pending
// migrations, and builds the engine.
func Open(workspace string) (*Context, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
