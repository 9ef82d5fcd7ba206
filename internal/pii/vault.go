package pii

import (
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/firedesk/backend/internal/models"
)

// Vault scrubs PII out of ticket text before any external model sees it
// and rehydrates tokens afterwards. Originals are sealed with
// XChaCha20-Poly1305; the key stays inside the vault.
type Vault struct {
	aead     cipher.AEAD
	detector Detector
}

func NewVault(key []byte, detector Detector) (*Vault, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("pii vault key: %w", err)
	}
	if detector == nil {
		detector = NewRegexDetector()
	}
	return &Vault{aead: aead, detector: detector}, nil
}

// Scrub replaces every detection with a ⟦KIND:N⟧ token, N counting up
// per kind within the ticket, and returns the bindings with encrypted
// originals.
func (v *Vault) Scrub(ticketID uuid.UUID, text string) (string, []models.PIIBinding, error) {
	detections := v.detector.Detect(text)
	if len(detections) == 0 {
		return text, nil, nil
	}
	sort.Slice(detections, func(i, j int) bool { return detections[i].Start < detections[j].Start })

	counters := map[models.PIIKind]int{}
	bindings := make([]models.PIIBinding, 0, len(detections))
	for i := range detections {
		counters[detections[i].Kind]++
		detections[i].token = Token(detections[i].Kind, counters[detections[i].Kind])

		sealed, err := v.seal([]byte(detections[i].Value))
		if err != nil {
			return "", nil, err
		}
		bindings = append(bindings, models.PIIBinding{
			TicketID:  ticketID,
			Token:     detections[i].token,
			Original:  sealed,
			Kind:      detections[i].Kind,
			CreatedAt: time.Now().UTC(),
		})
	}

	// Splice back-to-front so earlier offsets stay valid.
	scrubbed := text
	for i := len(detections) - 1; i >= 0; i-- {
		d := detections[i]
		scrubbed = scrubbed[:d.Start] + d.token + scrubbed[d.End:]
	}
	return scrubbed, bindings, nil
}

// Rehydrate puts original values back in place of their tokens. Longest
// tokens are replaced first; with the explicit ⟦…⟧ delimiters no token is
// a prefix of another, the ordering just makes that impossible to regress.
func (v *Vault) Rehydrate(text string, bindings []models.PIIBinding) (string, error) {
	if text == "" || len(bindings) == 0 {
		return text, nil
	}
	ordered := make([]models.PIIBinding, len(bindings))
	copy(ordered, bindings)
	sort.SliceStable(ordered, func(i, j int) bool { return len(ordered[i].Token) > len(ordered[j].Token) })

	out := text
	for _, b := range ordered {
		original, err := v.open(b.Original)
		if err != nil {
			return "", fmt.Errorf("binding %s: %w", b.Token, err)
		}
		out = replaceAll(out, b.Token, string(original))
	}
	return out, nil
}

func (v *Vault) seal(plain []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return v.aead.Seal(nonce, nonce, plain, nil), nil
}

func (v *Vault) open(sealed []byte) ([]byte, error) {
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("ciphertext too short")
	}
	return v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}

// Token renders the ⟦KIND:N⟧ shape shared by scrub and rehydrate.
func Token(kind models.PIIKind, n int) string {
	return fmt.Sprintf("⟦%s:%d⟧", kind, n)
}
