package fatturapa

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const (
	// MaxNumberLength is the schema limit on Numero.
	MaxNumberLength = 20
	// MaxProgressivoLength is the width of the progressivo_invio column.
	MaxProgressivoLength = 32
)

var (
	postalCodeRe    = regexp.MustCompile(`^\d{5}$`)
	provinceRe      = regexp.MustCompile(`^[A-Z]{2}$`)
	recipientCodeRe = regexp.MustCompile(`^[A-Za-z0-9]{7}$`)

	validate = newValidator()

	maxRate = decimal.NewFromInt(100)
)

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("postalcode", matches(postalCodeRe))
	_ = v.RegisterValidation("province", matches(provinceRe))
	_ = v.RegisterValidation("recipientcode", matches(recipientCodeRe))
	return v
}

func matches(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// validateParty runs struct tag rules and rewrites the namespace so the
// field path starts with prefix ("seller.address.province").
func validateParty(prefix string, party any) []ValidationError {
	err := validate.Struct(party)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []ValidationError{{Field: prefix, Message: err.Error()}}
	}
	out := make([]ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		path := prefix
		if ns := fe.Namespace(); strings.Contains(ns, ".") {
			path += ns[strings.Index(ns, "."):]
		}
		out = append(out, ValidationError{Field: path, Message: describe(fe)})
	}
	return out
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "postalcode":
		return "must be a 5-digit postal code"
	case "province":
		return "must be a 2-letter uppercase province code"
	case "recipientcode":
		return "must be a 7-character alphanumeric recipient code"
	case "email":
		return "must be a valid certified-mail address"
	default:
		return fmt.Sprintf("failed rule %q", fe.Tag())
	}
}

func validateDraft(d Draft, s Seller, inv Invoice) []ValidationError {
	totals := inv.Totals
	var errs []ValidationError
	errs = append(errs, validateParty("seller", s)...)
	errs = append(errs, validateParty("buyer", d.Buyer)...)

	if strings.TrimSpace(d.Buyer.RecipientCode) == "" && strings.TrimSpace(d.Buyer.PEC) == "" {
		errs = append(errs, ValidationError{
			Field:   "buyer.recipient_code",
			Message: "either a recipient code or a certified-mail address is required",
		})
	}
	switch {
	case strings.TrimSpace(d.Number) == "":
		errs = append(errs, ValidationError{Field: "number", Message: "is required"})
	case utf8.RuneCountInString(d.Number) > MaxNumberLength:
		errs = append(errs, ValidationError{Field: "number", Message: fmt.Sprintf("must be at most %d characters", MaxNumberLength)})
	}
	if len(inv.ProgressivoInvio) > MaxProgressivoLength {
		errs = append(errs, ValidationError{
			Field:   "progressivo_invio",
			Message: fmt.Sprintf("%q exceeds %d characters", inv.ProgressivoInvio, MaxProgressivoLength),
		})
	}
	if d.Date.IsZero() {
		errs = append(errs, ValidationError{Field: "date", Message: "is required"})
	}

	if len(d.Lines) == 0 {
		errs = append(errs, ValidationError{Field: "lines", Message: "at least one line item is required"})
	}
	for i, l := range d.Lines {
		field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }
		if strings.TrimSpace(l.Description) == "" {
			errs = append(errs, ValidationError{Field: field("description"), Message: "is required"})
		}
		if !l.Quantity.IsPositive() {
			errs = append(errs, ValidationError{Field: field("quantity"), Message: "must be greater than zero"})
		}
		if !l.UnitPrice.IsPositive() {
			errs = append(errs, ValidationError{Field: field("unit_price"), Message: "must be greater than zero"})
		}
		switch {
		case l.VATRate == nil:
			errs = append(errs, ValidationError{Field: field("vat_rate"), Message: "must be given explicitly (0 for flat-tax lines)"})
		case l.VATRate.IsNegative() || l.VATRate.GreaterThan(maxRate):
			errs = append(errs, ValidationError{Field: field("vat_rate"), Message: "must be between 0 and 100"})
		}
	}

	if !totals.Gross.IsPositive() {
		errs = append(errs, ValidationError{Field: "total", Message: "must be greater than zero"})
	}
	if d.DeclaredTotal != nil && !d.DeclaredTotal.Round(2).Equal(totals.Gross) {
		errs = append(errs, ValidationError{
			Field:   "total",
			Message: fmt.Sprintf("declared total %s does not match computed total %s", d.DeclaredTotal.StringFixed(2), totals.Gross.StringFixed(2)),
		})
	}
	return errs
}
