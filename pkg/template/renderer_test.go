package template

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doctorsflow/engage/pkg/models"
)

func TestRender_FullSubstitution(t *testing.T) {
	ctx := Context{"name": "김영희", "date": "2025-07-01", "time": "14:00"}

	result, err := Render("{{name}}님, {{date}} {{time}} 예약 안내입니다.", ctx, []string{"name", "date"})
	require.NoError(t, err)
	assert.Equal(t, "김영희님, 2025-07-01 14:00 예약 안내입니다.", result.Content)
	assert.NotContains(t, result.Content, "{{")
}

func TestRender_MissingRequiredVariables(t *testing.T) {
	ctx := Context{"name": "김영희"}

	_, err := Render("{{name}} {{date}} {{time}}", ctx, []string{"name", "time", "date"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingVariables))

	var missing *MissingVariablesError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"date", "time"}, missing.Names)
}

func TestRender_MissingOptionalVariableIsEmpty(t *testing.T) {
	result, err := Render("hello {{name}}, see you {{date}}", Context{"name": "Kim"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello Kim, see you ", result.Content)
}

func TestRender_SinglePass(t *testing.T) {
	// A substituted value containing placeholder syntax is not re-expanded.
	ctx := Context{"a": "{{b}}", "b": "secret"}

	result, err := Render("{{a}}", ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "{{b}}", result.Content)
}

func TestRender_WhitespaceInPlaceholder(t *testing.T) {
	result, err := Render("{{ name }}", Context{"name": "Kim"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "Kim", result.Content)
}

func TestRender_SMSBudgetWarning(t *testing.T) {
	short, err := Render(strings.Repeat("a", 90), Context{}, nil)
	require.NoError(t, err)
	assert.Empty(t, short.Warning)

	long, err := Render(strings.Repeat("a", 91), Context{}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, long.Warning, "over-budget content warns but never errors")
}

func TestByteLength_KoreanCountsDouble(t *testing.T) {
	assert.Equal(t, 3, ByteLength("abc"))
	assert.Equal(t, 6, ByteLength("안녕하"))
	assert.Equal(t, 7, ByteLength("안녕a하"), "mixed counting is additive")
	assert.Equal(t, 0, ByteLength(""))
}

func TestBuildContext_PayloadWins(t *testing.T) {
	patient := &models.Patient{Name: "김영희", Phone: "010-1234-5678", Email: "kim@example.com"}
	appointment := &models.Appointment{
		Date:     "2025-07-01",
		Time:     "14:00",
		Category: "botox",
	}

	ctx := BuildContext(patient, appointment, map[string]string{
		"name":   "override",
		"custom": "value",
	})

	assert.Equal(t, "override", ctx["name"], "payload overrides patient fields")
	assert.Equal(t, "010-1234-5678", ctx["phone"])
	assert.Equal(t, "2025-07-01", ctx["date"])
	assert.Equal(t, "value", ctx["custom"])
	assert.NotContains(t, ctx, "meeting_url")
}

func TestBuildContext_TelemedicineFields(t *testing.T) {
	appointment := &models.Appointment{
		MeetingURL:      "https://meet.example.com/abc",
		MeetingPassword: "1234",
	}

	ctx := BuildContext(nil, appointment, nil)
	assert.Equal(t, "https://meet.example.com/abc", ctx["meeting_url"])
	assert.Equal(t, "1234", ctx["meeting_password"])
}
