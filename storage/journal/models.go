package journal

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Reward stores one consolidated reward issued for a contribution. Amounts
// are decimal strings so arbitrary precision survives every SQL backend.
type Reward struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	ContributionID string    `gorm:"uniqueIndex;not null"`
	Participant    string    `gorm:"index;not null"`
	Zone           string    `gorm:"index"`
	Amount         string    `gorm:"not null"`
	Tier           uint8
	Rank           uint8
	Level          string
	Sharing        string
	Ranking        string
	Total          string `gorm:"not null"`
	TablesVersion  uint64
	Shares         []LevelShare `gorm:"foreignKey:RewardID"`
	CreatedAt      time.Time
}

// LevelShare attributes part of a reward's level component to an ancestor.
type LevelShare struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	RewardID uuid.UUID `gorm:"type:uuid;index"`
	Ancestor string    `gorm:"index;not null"`
	Level    uint32
	Bps      uint32
	Amount   string
}

// AutoMigrate creates or updates the journal tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Reward{}, &LevelShare{})
}
