package spam

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPromoShoutWithURLIsStructuralSpam(t *testing.T) {
	f := &Filter{Classifier: KeywordClassifier{}}
	v, err := f.Check(context.Background(), "!!!КУПИ СЕЙЧАС http://x.y")
	require.NoError(t, err)
	require.True(t, v.IsSpam)
	require.GreaterOrEqual(t, v.Probability, 0.8)
}

func TestEmptyAndShortBodies(t *testing.T) {
	f := &Filter{}
	for _, text := range []string{"", "   ", "ок"} {
		v, err := f.Check(context.Background(), text)
		require.NoError(t, err)
		require.True(t, v.IsSpam, "text %q", text)
		require.Equal(t, 1.0, v.Probability)
	}
}

func TestAngryClientIsNotSpam(t *testing.T) {
	f := &Filter{Classifier: KeywordClassifier{}}
	v, err := f.Check(context.Background(), "ВЕРНИТЕ ДЕНЬГИ!!! Перевод 125$ не пришёл уже неделю, буду жаловаться в суд")
	require.NoError(t, err)
	require.False(t, v.IsSpam, "reason: %s", v.Reason)
}

func TestInvisiblePaddingBoostsScore(t *testing.T) {
	padded := "привет" + strings.Repeat("⠀", 10)
	score, signals := structuralScore(padded)
	require.GreaterOrEqual(t, score, 0.5)
	require.Contains(t, strings.Join(signals, " "), "invisible_chars")
}

func TestNeutralTextStaysClean(t *testing.T) {
	f := &Filter{Classifier: KeywordClassifier{}}
	v, err := f.Check(context.Background(), "Здравствуйте, подскажите пожалуйста как поменять номер телефона в приложении")
	require.NoError(t, err)
	require.False(t, v.IsSpam)
	require.Less(t, v.Probability, 0.5)
}

func TestClassifierErrorPropagates(t *testing.T) {
	f := &Filter{Classifier: failingClassifier{}}
	_, err := f.Check(context.Background(), "обычный текст про оплату счёта")
	require.Error(t, err)
}

type failingClassifier struct{}

func (failingClassifier) Classify(context.Context, string) (bool, float64, error) {
	return false, 0, context.DeadlineExceeded
}
