package placement

import (
	"context"
	"errors"
	"fmt"

	"smallbiznis-referral/pkg/sequence"
	"smallbiznis-referral/services/ledger"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrTreeExhausted means the search ran out of nodes without a vacancy. The
// tree is unbounded in depth, so this only happens on corrupted data.
var ErrTreeExhausted = errors.New("placement: tree full or corrupted")

const (
	// Fanout is the number of children a slot may hold.
	Fanout = 2

	maxInsertAttempts = 5
	suffixLen         = 4
)

var (
	errNodeFull      = errors.New("placement: node full")
	errNodeContended = errors.New("placement: node contended")
)

type Allocator struct {
	store *ledger.Store
}

type Params struct {
	fx.In
	Store *ledger.Store
}

func NewAllocator(p Params) *Allocator {
	return &Allocator{store: p.Store}
}

var Module = fx.Module("placement.allocator",
	fx.Provide(NewAllocator),
)

// RootSlotID returns the slot id of a member placed directly under the global root.
func RootSlotID(memberNo int64) string {
	return fmt.Sprintf("N%d-root", memberNo)
}

// AssignSlot places memberNo in the tree. Without an inviter the member gets a
// root-style slot; with one, the most vacant position of the inviter's subtree
// is found breadth first.
func (a *Allocator) AssignSlot(ctx context.Context, inviterID string, memberNo int64) (string, error) {
	start := ledger.RootSlotID
	if inviterID != "" {
		inviter, err := a.store.FindUser(ctx, inviterID)
		if err != nil {
			return "", err
		}
		if inviter != nil && inviter.SlotID != nil {
			start = *inviter.SlotID
		} else {
			zap.L().Warn("[Placement] inviter has no slot, placing under global root",
				zap.String("inviter_id", inviterID), zap.Int64("member_no", memberNo))
		}
	}

	if start == ledger.RootSlotID {
		return a.assignRoot(ctx, memberNo)
	}
	return a.search(ctx, start, memberNo)
}

func (a *Allocator) assignRoot(ctx context.Context, memberNo int64) (string, error) {
	slotID := RootSlotID(memberNo)
	err := a.store.InsertSlot(ctx, &ledger.PlacementSlot{
		SlotID:   slotID,
		ParentID: ledger.RootSlotID,
		MemberNo: memberNo,
	})
	if err != nil {
		return "", fmt.Errorf("placement: insert root slot %s: %w", slotID, err)
	}
	return slotID, nil
}

func (a *Allocator) search(ctx context.Context, start string, memberNo int64) (string, error) {
	queue := []string{start}
	visited := map[string]bool{}

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if visited[node] {
			continue
		}
		visited[node] = true

		slotID, err := a.insertChild(ctx, node, memberNo)
		switch {
		case err == nil:
			return slotID, nil
		case errors.Is(err, errNodeFull):
		case errors.Is(err, errNodeContended):
			zap.L().Warn("[Placement] slot insert kept colliding, moving on",
				zap.String("parent_slot", node), zap.Int64("member_no", memberNo))
		default:
			return "", err
		}

		children, err := a.store.ChildSlots(ctx, node)
		if err != nil {
			return "", err
		}
		for _, c := range children {
			if !visited[c.SlotID] {
				queue = append(queue, c.SlotID)
			}
		}
	}

	zap.L().Error("[Placement] no vacancy found", zap.String("start_slot", start), zap.Int64("member_no", memberNo))
	return "", ErrTreeExhausted
}

// insertChild tries to occupy the next free position under parent. It
// returns errNodeFull when parent already has Fanout children and
// errNodeContended when every attempt collided.
func (a *Allocator) insertChild(ctx context.Context, parent string, memberNo int64) (string, error) {
	for attempt := 1; attempt <= maxInsertAttempts; attempt++ {
		count, err := a.store.CountChildSlots(ctx, parent)
		if err != nil {
			return "", err
		}
		if count >= Fanout {
			return "", errNodeFull
		}

		suffix, err := sequence.RandomHex(suffixLen)
		if err != nil {
			return "", err
		}

		position := int(count)
		slotID := fmt.Sprintf("%s-c%s", parent, suffix)
		err = a.store.InsertSlot(ctx, &ledger.PlacementSlot{
			SlotID:   slotID,
			ParentID: parent,
			Position: &position,
			MemberNo: memberNo,
		})
		if err == nil {
			return slotID, nil
		}
		if !errors.Is(err, ledger.ErrDuplicate) {
			return "", err
		}

		zap.L().Debug("[Placement] slot collision, retrying",
			zap.String("slot_id", slotID), zap.Int("attempt", attempt))
	}
	return "", errNodeContended
}
