package telegram

import (
	"fmt"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/tgfeed/feedscraper/internal/config"
)

// NewSessionClient creates a telegram client that keeps its session in a
// local sqlite database, so auth key refreshes survive restarts. The client
// must already be authorized; login flows are handled outside this process.
func NewSessionClient(cfg *config.Config) (*gotgproto.Client, error) {
	if cfg.TGApiID == 0 || cfg.TGApiHash == "" {
		return nil, fmt.Errorf("TG_API_ID and TG_API_HASH are required")
	}

	sessionDB, err := gorm.Open(sqlite.Open(cfg.TGSessionDB), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(""), // empty = use stored session
		&gotgproto.ClientOpts{
			Session:          sessionMaker.SqlSession(sessionDB.Dialector),
			DisableCopyright: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram client: %w", err)
	}

	return client, nil
}
