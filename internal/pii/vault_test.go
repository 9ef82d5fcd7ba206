package pii

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/firedesk/backend/internal/models"
)

func testVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewVault(key, nil)
	require.NoError(t, err)
	return v
}

func TestScrubRehydrateRoundTrip(t *testing.T) {
	v := testVault(t)
	id := uuid.New()

	for _, text := range []string{
		"",
		"никаких персональных данных",
		"мой ИИН 880514300123, телефон +7 777 123 45 67",
		"карта 4400 1234 5678 9010, почта client@mail.kz, ИИН 990101350111",
		"два телефона: 87771234567 и +7(701)555-44-33",
	} {
		scrubbed, bindings, err := v.Scrub(id, text)
		require.NoError(t, err)

		back, err := v.Rehydrate(scrubbed, bindings)
		require.NoError(t, err)
		require.Equal(t, text, back)
	}
}

func TestScrubTokensAreUniqueAndAbsentFromText(t *testing.T) {
	v := testVault(t)
	text := "тел +7 777 123 45 67, запасной 87017654321, ИИН 880514300123"

	scrubbed, bindings, err := v.Scrub(uuid.New(), text)
	require.NoError(t, err)
	require.Len(t, bindings, 3)

	seen := map[string]bool{}
	for _, b := range bindings {
		require.False(t, seen[b.Token], "duplicate token %s", b.Token)
		seen[b.Token] = true
		require.NotContains(t, scrubbed, "45 67")
		require.Contains(t, scrubbed, b.Token)
	}
	require.True(t, seen[Token(models.PIIPhone, 1)])
	require.True(t, seen[Token(models.PIIPhone, 2)])
	require.True(t, seen[Token(models.PIINationalID, 1)])
}

func TestScrubEncryptsOriginals(t *testing.T) {
	v := testVault(t)
	_, bindings, err := v.Scrub(uuid.New(), "ИИН 880514300123")
	require.NoError(t, err)
	require.Len(t, bindings, 1)
	require.NotContains(t, string(bindings[0].Original), "880514300123")
}

func TestCardNotMistakenForIIN(t *testing.T) {
	d := NewRegexDetector()
	dets := d.Detect("карта 4400123456789010")
	require.Len(t, dets, 1)
	require.Equal(t, models.PIICard, dets[0].Kind)
}

func TestRehydrateLongestTokenFirst(t *testing.T) {
	v := testVault(t)
	id := uuid.New()

	// Ten phones so that ⟦PHONE:10⟧ exists alongside ⟦PHONE:1⟧.
	var parts []string
	for i := 0; i < 10; i++ {
		parts = append(parts, "+7 701 555 44 3"+string(rune('0'+i)))
	}
	text := strings.Join(parts, "; ")

	scrubbed, bindings, err := v.Scrub(id, text)
	require.NoError(t, err)
	require.Contains(t, scrubbed, Token(models.PIIPhone, 10))

	back, err := v.Rehydrate(scrubbed, bindings)
	require.NoError(t, err)
	require.Equal(t, text, back)
}
