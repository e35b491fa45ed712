package journal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"incentives/core/events"
)

// ErrUnsupportedDriver is returned when Open receives an unknown driver name.
var ErrUnsupportedDriver = errors.New("journal: unsupported driver")

// DefaultListLimit bounds list queries without an explicit limit.
const DefaultListLimit = 100

// Journal keeps a queryable history of issued rewards.
type Journal struct {
	db      *gorm.DB
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option customises the journal.
type Option func(*Journal)

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) { j.logger = logger }
}

// WithClock sets the function used to stamp records.
func WithClock(clock func() time.Time) Option {
	return func(j *Journal) { j.now = clock }
}

// WithWriteTimeout bounds writes made through the emitter.
func WithWriteTimeout(d time.Duration) Option {
	return func(j *Journal) { j.timeout = d }
}

// Open connects to the named driver ("sqlite" or "postgres") and migrates the
// schema.
func Open(driver, dsn string, opts ...Option) (*Journal, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", driver, err)
	}
	return New(db, opts...)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, fmt.Errorf("journal: database required")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("journal: migrate: %w", err)
	}
	j := &Journal{db: db, logger: slog.Default(), timeout: 5 * time.Second, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	if j.logger == nil {
		j.logger = slog.Default()
	}
	return j, nil
}

// Record persists a reward event. Recording the same contribution twice is a
// no-op.
func (j *Journal) Record(ctx context.Context, evt events.RewardIssued) error {
	rewardID := uuid.New()
	reward := Reward{
		ID:             rewardID,
		ContributionID: evt.ContributionID.Hex(),
		Participant:    evt.Participant.Hex(),
		Zone:           evt.Zone,
		Amount:         bigString(evt.Amount),
		Tier:           evt.Tier,
		Rank:           evt.Rank,
		Level:          bigString(evt.Level),
		Sharing:        bigString(evt.Sharing),
		Ranking:        bigString(evt.Ranking),
		Total:          bigString(evt.Total),
		TablesVersion:  evt.TablesVersion,
		CreatedAt:      j.now().UTC(),
	}
	shares := make([]LevelShare, 0, len(evt.LevelShares))
	for _, share := range evt.LevelShares {
		shares = append(shares, LevelShare{
			ID:       uuid.New(),
			RewardID: rewardID,
			Ancestor: share.Ancestor.Hex(),
			Level:    share.Level,
			Bps:      share.Bps,
			Amount:   bigString(share.Amount),
		})
	}
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "contribution_id"}},
			DoNothing: true,
		}).Omit("Shares").Create(&reward)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 || len(shares) == 0 {
			return nil
		}
		return tx.Create(&shares).Error
	})
}

// Emitter returns an event sink that journals every RewardIssued event and
// ignores the rest. Failures are logged, never propagated.
func (j *Journal) Emitter() events.Emitter {
	return events.EmitterFunc(func(evt events.Event) {
		issued, ok := evt.(events.RewardIssued)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()
		if err := j.Record(ctx, issued); err != nil {
			j.logger.Error("failed to journal reward",
				slog.String("contribution", issued.ContributionID.Hex()),
				slog.Any("error", err))
		}
	})
}

// ListByParticipant returns the most recent rewards of a participant.
func (j *Journal) ListByParticipant(ctx context.Context, participant common.Address, limit int) ([]Reward, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var rewards []Reward
	err := j.db.WithContext(ctx).
		Preload("Shares").
		Where("participant = ?", participant.Hex()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rewards).Error
	return rewards, err
}

// Get returns the reward recorded for a contribution.
func (j *Journal) Get(ctx context.Context, contributionID common.Hash) (*Reward, error) {
	var reward Reward
	err := j.db.WithContext(ctx).
		Preload("Shares").
		Where("contribution_id = ?", contributionID.Hex()).
		First(&reward).Error
	if err != nil {
		return nil, err
	}
	return &reward, nil
}

// LevelEarnings sums the level shares attributed to an ancestor.
func (j *Journal) LevelEarnings(ctx context.Context, ancestor common.Address) (*big.Int, error) {
	var amounts []string
	err := j.db.WithContext(ctx).
		Model(&LevelShare{}).
		Where("ancestor = ?", ancestor.Hex()).
		Pluck("amount", &amounts).Error
	if err != nil {
		return nil, err
	}
	total := big.NewInt(0)
	for _, raw := range amounts {
		value, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("journal: malformed amount %q", raw)
		}
		total.Add(total, value)
	}
	return total, nil
}

// Close releases the underlying connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
