// Package fatturapa renders Italian FatturaPA (FPR12, private-sector) invoice
// documents from business invoice data. Rendering is pure: no I/O, no clock.
package fatturapa

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const (
	FormatPrivate        = "FPR12"
	DocumentTypeInvoice  = "TD01"
	Currency             = "EUR"
	RegimeFlatTax        = "RF19"
	NatureFlatTax        = "N2.2"
	DefaultRecipientCode = "0000000"

	flatTaxReference = "Operazione in franchigia da IVA ai sensi dell'art. 1, commi 54-89, L. 190/2014"
	collectImmediate = "I"
	dateLayout       = "2006-01-02"
)

// Address is a postal address as required by the Sede blocks.
type Address struct {
	Street     string `json:"street" validate:"required"`
	PostalCode string `json:"postal_code" validate:"required,postalcode"`
	City       string `json:"city" validate:"required"`
	Province   string `json:"province" validate:"required,province"`
	Country    string `json:"country,omitempty"`
}

// Seller is the fiscal identity of the issuing business (CedentePrestatore).
type Seller struct {
	VATNumber  string  `json:"vat_number" validate:"required"`
	FiscalCode string  `json:"fiscal_code" validate:"required"`
	LegalName  string  `json:"legal_name" validate:"required"`
	TaxRegime  string  `json:"tax_regime,omitempty"`
	Address    Address `json:"address"`
}

// Buyer is the receiving party (CessionarioCommittente). Delivery needs either
// a recipient code or a certified-mail (PEC) address.
type Buyer struct {
	Name          string  `json:"name" validate:"required"`
	FiscalCode    string  `json:"fiscal_code" validate:"required"`
	VATNumber     string  `json:"vat_number,omitempty"`
	Address       Address `json:"address"`
	RecipientCode string  `json:"recipient_code,omitempty" validate:"omitempty,recipientcode"`
	PEC           string  `json:"pec,omitempty" validate:"omitempty,email"`
}

// LineItem is one billed line. A nil VATRate means the rate was not given;
// a pointer to zero is the explicit flat-tax rate.
type LineItem struct {
	Description string           `json:"description"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitPrice   decimal.Decimal  `json:"unit_price"`
	VATRate     *decimal.Decimal `json:"vat_rate"`
}

// Draft is the in-memory invoice input.
type Draft struct {
	Number        string
	Date          time.Time
	Note          string
	Buyer         Buyer
	Lines         []LineItem
	DeclaredTotal *decimal.Decimal
	// Transmission is the 1-based attempt counter for this number and date.
	// Values above 1 add a disambiguator to ProgressivoInvio.
	Transmission int
}

// Line is a rendered line with computed amounts.
type Line struct {
	Number      int             `json:"number"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Total       decimal.Decimal `json:"total"`
	VATRate     decimal.Decimal `json:"vat_rate"`
	Nature      string          `json:"nature,omitempty"`
	Tax         decimal.Decimal `json:"tax"`
}

// Summary is one DatiRiepilogo block, aggregated per (rate, nature).
type Summary struct {
	Rate           decimal.Decimal `json:"rate"`
	Nature         string          `json:"nature,omitempty"`
	Taxable        decimal.Decimal `json:"taxable"`
	Tax            decimal.Decimal `json:"tax"`
	Collectability string          `json:"collectability,omitempty"`
	LegalReference string          `json:"legal_reference,omitempty"`
}

type Totals struct {
	Net   decimal.Decimal `json:"net"`
	Tax   decimal.Decimal `json:"tax"`
	Gross decimal.Decimal `json:"gross"`
}

// Invoice is the structured equivalent of the XML document. Providers that
// take JSON instead of XML are fed from this shape.
type Invoice struct {
	ProgressivoInvio string    `json:"transmission_id"`
	DocumentType     string    `json:"document_type"`
	Currency         string    `json:"currency"`
	Number           string    `json:"number"`
	Date             string    `json:"date"`
	Note             string    `json:"note,omitempty"`
	Seller           Seller    `json:"seller"`
	Buyer            Buyer     `json:"buyer"`
	Lines            []Line    `json:"lines"`
	Summaries        []Summary `json:"summaries"`
	Totals           Totals    `json:"totals"`
}

// Document is the outcome of Render.
type Document struct {
	XML      []byte
	FileName string
	Invoice  Invoice
}

// ValidationError names the offending field by its JSON path.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
