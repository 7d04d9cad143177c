package profile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phantomlabs/phantom/internal/domain"
)

func validProfile() domain.Profile {
	return domain.Profile{
		Name:  "main",
		Email: "jordan@example.com",
		Shipping: domain.Address{
			FirstName: "Jordan",
			LastName:  "Reyes",
			Address1:  "1 Main St",
			City:      "Portland",
			State:     "OR",
			Zip:       "97201",
			Country:   "US",
		},
		BillingSameAsShipping: true,
		Card: domain.Card{
			Holder:   "Jordan Reyes",
			Number:   "4111111111111111",
			ExpMonth: "03",
			ExpYear:  "2030",
			CVV:      "737",
		},
	}
}

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	saved, err := store.Save(ctx, validProfile())
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)

	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, saved, got)

	saved.Email = "other@example.com"
	again, err := store.Save(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, again.ID, "save with id updates in place")

	list, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "other@example.com", list[0].Email)

	require.NoError(t, store.Delete(ctx, saved.ID))
	_, err = store.Get(ctx, saved.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, saved.ID), domain.ErrNotFound)
}

func TestSaveValidates(t *testing.T) {
	ctx := context.Background()
	store := NewStore()

	p := validProfile()
	p.Email = "not-an-email"
	_, err := store.Save(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	p = validProfile()
	p.Card.Number = "1234"
	_, err = store.Save(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	p = validProfile()
	p.Shipping.Zip = ""
	_, err = store.Save(ctx, p)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCardNeverInValidationError(t *testing.T) {
	store := NewStore()
	p := validProfile()
	p.Email = ""
	_, err := store.Save(context.Background(), p)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "4111111111111111")
	assert.NotContains(t, err.Error(), "737")
}

func TestCardMasking(t *testing.T) {
	c := validProfile().Card
	assert.Equal(t, "**** **** **** 1111", c.Masked())
	assert.Equal(t, "1111", c.LastFour())
}
