package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsMatchTheirKindSentinel(t *testing.T) {
	err := fmt.Errorf("adjust: %w", ConflictError("insufficient stock"))

	assert.ErrorIs(t, err, ErrConflict)
	assert.NotErrorIs(t, err, ErrValidation)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestSpecificErrorsDoNotMatchEachOther(t *testing.T) {
	duplicate := ConflictError("sku already exists in shop")
	shortage := ConflictError("insufficient stock")

	assert.ErrorIs(t, duplicate, duplicate)
	assert.NotErrorIs(t, duplicate, shortage)
}

func TestAsTransactionErrorKeepsClassifiedErrors(t *testing.T) {
	notFound := NotFoundError("item %s not found", "itm_1")
	assert.Same(t, notFound, AsTransactionError("unit of work failed", notFound))

	raw := errors.New("connection reset")
	wrapped := AsTransactionError("unit of work failed", raw)
	assert.ErrorIs(t, wrapped, ErrTransaction)
	assert.ErrorIs(t, wrapped, raw)
	assert.Equal(t, "unit of work failed: connection reset", wrapped.Error())
	assert.NoError(t, AsTransactionError("x", nil))
}

func TestActorShopAccess(t *testing.T) {
	staff := Actor{UserID: "u1", Role: RoleStaff, ShopIDs: []string{"shop-a"}}
	assert.True(t, staff.CanAccessShop("shop-a"))
	assert.False(t, staff.CanAccessShop("shop-b"))
	assert.True(t, Actor{Role: RoleAdmin}.CanAccessShop("shop-b"))
}
