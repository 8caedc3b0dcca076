package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"smallbiznis-referral/pkg/money"

	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	StatusAccrued      PaymentStatus = "accrued"
	StatusSuccess      PaymentStatus = "success"
	StatusPendingRetry PaymentStatus = "pending_retry"
)

// Counter names.
const (
	CounterMember     = "member"
	CounterToken      = "token"
	CounterOrderID    = "order_id"
	CounterWithdrawID = "withdraw_id"
)

// Checkpoint keys.
const (
	Checkpoint10d = "10d"
	Checkpoint30d = "30d"
)

// RootSlotID is the virtual parent of every root-style slot.
const RootSlotID = "ROOT"

type UserAccount struct {
	UserID         string                         `gorm:"column:user_id;primaryKey" json:"user_id"`
	FirstName      string                         `gorm:"column:first_name" json:"first_name"`
	ReferralCode   *string                        `gorm:"column:referral_code;uniqueIndex" json:"referral_code"`
	MemberNo       *int64                         `gorm:"column:member_no;uniqueIndex" json:"member_no"`
	SlotID         *string                        `gorm:"column:slot_id;uniqueIndex" json:"slot_id"`
	InviterID      *string                        `gorm:"column:inviter_id;index" json:"inviter_id,omitempty"`
	Ancestors      datatypes.JSONSlice[string]    `gorm:"column:ancestors" json:"ancestors"`
	DirectChildren datatypes.JSONSlice[string]    `gorm:"column:direct_children" json:"direct_children"`
	DirectDates    datatypes.JSONSlice[time.Time] `gorm:"column:direct_dates" json:"direct_dates"`
	Eligible       bool                           `gorm:"column:eligible;not null;default:false" json:"eligible"`
	Joined         bool                           `gorm:"column:joined;not null;default:false" json:"joined"`
	Tokens         int64                          `gorm:"column:tokens;not null;default:0" json:"tokens"`
	BalanceUSD     money.Amount                   `gorm:"column:balance_usd;type:bigint;not null;default:0" json:"balance_usd"`
	CommissionUSD  money.Amount                   `gorm:"column:commission_usd;type:bigint;not null;default:0" json:"commission_usd"`
	WalletAddress  *string                        `gorm:"column:wallet_address;uniqueIndex" json:"wallet_address,omitempty"`
	LastWithdrawAt *time.Time                     `gorm:"column:last_withdraw_at" json:"last_withdraw_at,omitempty"`
	Version        int64                          `gorm:"column:version;not null;default:0" json:"-"`
	CreatedAt      time.Time                      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time                      `gorm:"column:updated_at" json:"updated_at"`
}

func (UserAccount) TableName() string { return "user_accounts" }

func (u *UserAccount) Code() string {
	if u.ReferralCode == nil {
		return ""
	}
	return *u.ReferralCode
}

func (u *UserAccount) Wallet() string {
	if u.WalletAddress == nil {
		return ""
	}
	return *u.WalletAddress
}

func (u *UserAccount) Inviter() string {
	if u.InviterID == nil {
		return ""
	}
	return *u.InviterID
}

func (u *UserAccount) HasChild(childID string) bool {
	for _, c := range u.DirectChildren {
		if c == childID {
			return true
		}
	}
	return false
}

// AddChild appends childID with its join date. It reports false if the child
// is already present.
func (u *UserAccount) AddChild(childID string, at time.Time) bool {
	if u.HasChild(childID) {
		return false
	}
	u.DirectChildren = append(u.DirectChildren, childID)
	u.DirectDates = append(u.DirectDates, at)
	return true
}

// RemoveChild drops childID and the date recorded with it.
func (u *UserAccount) RemoveChild(childID string) bool {
	for i, c := range u.DirectChildren {
		if c != childID {
			continue
		}
		u.DirectChildren = append(u.DirectChildren[:i:i], u.DirectChildren[i+1:]...)
		if i < len(u.DirectDates) {
			u.DirectDates = append(u.DirectDates[:i:i], u.DirectDates[i+1:]...)
		}
		return true
	}
	return false
}

// PlacementSlot is one node of the placement tree. Position is 0 or 1 under a
// real parent and nil under the virtual root; the (parent_id, position) unique
// index caps every node at two children even under concurrent inserts.
type PlacementSlot struct {
	SlotID    string    `gorm:"column:slot_id;primaryKey"`
	ParentID  string    `gorm:"column:parent_id;not null;uniqueIndex:idx_slot_parent_position,priority:1"`
	Position  *int      `gorm:"column:position;uniqueIndex:idx_slot_parent_position,priority:2"`
	MemberNo  int64     `gorm:"column:member_no"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (PlacementSlot) TableName() string { return "placement_slots" }

type Payment struct {
	ID        string        `gorm:"column:id;primaryKey" json:"id"`
	UserID    string        `gorm:"column:user_id;index" json:"user_id"`
	Wallet    string        `gorm:"column:wallet" json:"wallet"`
	AmountUSD money.Amount  `gorm:"column:amount_usd;type:bigint;not null" json:"amount_usd"`
	TxHash    *string       `gorm:"column:tx_hash" json:"tx_hash"`
	Status    PaymentStatus `gorm:"column:status;index" json:"status"`
	Note      string        `gorm:"column:note" json:"note"`
	Ref       string        `gorm:"column:ref" json:"ref,omitempty"`
	SourceKey string        `gorm:"column:source_key" json:"source_key,omitempty"`
	Attempts  int           `gorm:"column:attempts" json:"attempts"`
	Hash      string        `gorm:"column:hash" json:"-"`
	CreatedAt time.Time     `gorm:"column:created_at" json:"timestamp"`
	UpdatedAt time.Time     `gorm:"column:updated_at" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

func (p *Payment) HashFields() map[string]string {
	txHash := ""
	if p.TxHash != nil {
		txHash = *p.TxHash
	}
	return map[string]string{
		"id":         p.ID,
		"user_id":    p.UserID,
		"wallet":     p.Wallet,
		"amount_usd": p.AmountUSD.String(),
		"tx_hash":    txHash,
		"status":     string(p.Status),
		"note":       p.Note,
		"ref":        p.Ref,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (p *Payment) GenerateHash() string {
	fields := p.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type ScheduleCheckpoint struct {
	Key string    `gorm:"column:name;primaryKey"`
	TS  time.Time `gorm:"column:ts;not null"`
}

func (ScheduleCheckpoint) TableName() string { return "schedule_checkpoints" }

type Counter struct {
	Name  string `gorm:"column:name;primaryKey"`
	Value int64  `gorm:"column:seq;not null;default:0"`
}

func (Counter) TableName() string { return "counters" }

// Models lists every table owned by the ledger.
func Models() []any {
	return []any{
		&UserAccount{},
		&PlacementSlot{},
		&Payment{},
		&ScheduleCheckpoint{},
		&Counter{},
	}
}
