package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddressSetsCounts(t *testing.T) {
	s := NewAddressSets([]string{"BTC", "ETH"})
	s.Add("BTC", "0xaaa")
	s.Add("BTC", "0xbbb")
	s.Add("ETH", "0xaaa")

	assert.Equal(t, 3, s.Total())
	assert.Equal(t, 2, s.Unique())
}

func TestAddressSetsAddCreatesMarket(t *testing.T) {
	s := AddressSets{}
	s.Add("DOGE", "0xccc")

	assert.Equal(t, 1, s.Total())
	assert.Contains(t, s["DOGE"], "0xccc")
}
