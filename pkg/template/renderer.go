// Package template renders message content by substituting {{variable}}
// placeholders from a merged render context.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/doctorsflow/engage/pkg/models"
)

// SMSByteBudget is the size at which a message leaves the cheap SMS billing
// tier and becomes an LMS. Exceeding it is advisory, never an error.
const SMSByteBudget = 90

// ErrMissingVariables indicates required render variables were absent from
// the context.
var ErrMissingVariables = errors.New("missing required variables")

// MissingVariablesError lists the required variables the context did not
// provide. It unwraps to ErrMissingVariables.
type MissingVariablesError struct {
	Names []string
}

func (e *MissingVariablesError) Error() string {
	return fmt.Sprintf("missing required variables: %s", strings.Join(e.Names, ", "))
}

func (e *MissingVariablesError) Unwrap() error {
	return ErrMissingVariables
}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_]+)\s*\}\}`)

// Context is the flat variable map a message is rendered against.
type Context map[string]string

// BuildContext merges patient fields, appointment fields and the custom
// payload into one context. Later sources win: payload entries override
// appointment fields, which override patient fields.
func BuildContext(patient *models.Patient, appointment *models.Appointment, payload map[string]string) Context {
	ctx := Context{}

	if patient != nil {
		ctx["name"] = patient.Name
		ctx["phone"] = patient.Phone
		ctx["email"] = patient.Email
	}

	if appointment != nil {
		ctx["date"] = appointment.Date
		ctx["time"] = appointment.Time
		ctx["category"] = appointment.Category

		if appointment.CancellationReason != "" {
			ctx["cancellation_reason"] = appointment.CancellationReason
		}

		if appointment.MeetingURL != "" {
			ctx["meeting_url"] = appointment.MeetingURL
			ctx["meeting_password"] = appointment.MeetingPassword
		}
	}

	for key, value := range payload {
		ctx[key] = value
	}

	return ctx
}

// Result is a rendered message plus its billing-relevant size.
type Result struct {
	Content string
	Bytes   int

	// Warning is non-empty when the rendered content exceeds the SMS byte
	// budget.
	Warning string
}

// Render substitutes every {{variable}} placeholder in content from ctx in a
// single pass; substituted values are never re-scanned for placeholders.
// Variables listed in required must be present and non-empty, otherwise a
// MissingVariablesError naming all of them is returned. Unlisted missing
// variables render as the empty string.
func Render(content string, ctx Context, required []string) (*Result, error) {
	missing := map[string]bool{}

	for _, name := range required {
		if ctx[name] == "" {
			missing[name] = true
		}
	}

	if len(missing) > 0 {
		names := make([]string, 0, len(missing))
		for name := range missing {
			names = append(names, name)
		}

		sort.Strings(names)

		return nil, &MissingVariablesError{Names: names}
	}

	rendered := placeholderPattern.ReplaceAllStringFunc(content, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]

		return ctx[name]
	})

	result := &Result{
		Content: rendered,
		Bytes:   ByteLength(rendered),
	}

	if result.Bytes > SMSByteBudget {
		result.Warning = fmt.Sprintf("content is %d bytes, over the %d byte SMS budget (LMS billing)", result.Bytes, SMSByteBudget)
	}

	return result, nil
}

// ByteLength measures content the way Korean SMS gateways bill it: ASCII
// runes count 1 byte, everything else counts 2.
func ByteLength(content string) int {
	total := 0

	for _, r := range content {
		if r < 128 {
			total++
		} else {
			total += 2
		}
	}

	return total
}
