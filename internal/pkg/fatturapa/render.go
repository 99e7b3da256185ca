package fatturapa

import (
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

const maxReasonLength = 200

var (
	trailingDigits = regexp.MustCompile(`(\d+)\D*$`)
	hundred        = decimal.NewFromInt(100)
)

// Render validates the draft and builds the FatturaPA document. Validation
// errors are collected exhaustively; the document is still returned on a
// best-effort basis so callers can inspect the computed totals.
func Render(d Draft, s Seller) (*Document, []ValidationError) {
	if s.TaxRegime == "" {
		s.TaxRegime = RegimeFlatTax
	}
	inv := buildInvoice(d, s)
	errs := validateDraft(d, s, inv)

	doc := &Document{
		Invoice:  inv,
		FileName: FileName(s.VATNumber, inv.ProgressivoInvio),
	}
	out, err := marshalDocument(inv)
	if err != nil {
		errs = append(errs, ValidationError{Field: "document", Message: err.Error()})
		return doc, errs
	}
	doc.XML = out
	return doc, errs
}

// ProgressivoInvio builds the transmission identifier: the document date,
// the numeric suffix of the invoice number padded to four digits, and an
// attempt disambiguator for retransmissions.
func ProgressivoInvio(d Draft) string {
	suffix := "0000"
	if m := trailingDigits.FindStringSubmatch(d.Number); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			suffix = fmt.Sprintf("%04d", n)
		} else {
			suffix = m[1]
		}
	}
	id := d.Date.Format("20060102") + "_" + suffix
	if d.Transmission > 1 {
		id += "_" + strconv.Itoa(d.Transmission)
	}
	return id
}

func FileName(sellerVAT, progressive string) string {
	return fmt.Sprintf("IT%s_%s.xml", strings.TrimPrefix(strings.ToUpper(sellerVAT), "IT"), progressive)
}

func buildInvoice(d Draft, s Seller) Invoice {
	inv := Invoice{
		ProgressivoInvio: ProgressivoInvio(d),
		DocumentType:     DocumentTypeInvoice,
		Currency:         Currency,
		Number:           d.Number,
		Date:             d.Date.Format(dateLayout),
		Note:             d.Note,
		Seller:           s,
		Buyer:            d.Buyer,
	}

	index := map[string]int{}
	for i, item := range d.Lines {
		rate := decimal.Zero
		if item.VATRate != nil {
			rate = *item.VATRate
		}
		ext := item.Quantity.Mul(item.UnitPrice).Round(2)
		tax := ext.Mul(rate).Div(hundred).Round(2)
		line := Line{
			Number:      i + 1,
			Description: item.Description,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			Total:       ext,
			VATRate:     rate,
			Tax:         tax,
		}
		if rate.IsZero() {
			line.Nature = NatureFlatTax
		}
		inv.Lines = append(inv.Lines, line)

		key := rate.StringFixed(2) + "|" + line.Nature
		pos, ok := index[key]
		if !ok {
			sum := Summary{Rate: rate, Nature: line.Nature}
			if line.Nature == "" {
				sum.Collectability = collectImmediate
			} else {
				sum.LegalReference = flatTaxReference
			}
			inv.Summaries = append(inv.Summaries, sum)
			pos = len(inv.Summaries) - 1
			index[key] = pos
		}
		inv.Summaries[pos].Taxable = inv.Summaries[pos].Taxable.Add(ext)
		inv.Summaries[pos].Tax = inv.Summaries[pos].Tax.Add(tax)

		inv.Totals.Net = inv.Totals.Net.Add(ext)
		inv.Totals.Tax = inv.Totals.Tax.Add(tax)
	}
	inv.Totals.Gross = inv.Totals.Net.Add(inv.Totals.Tax)
	return inv
}

func marshalDocument(inv Invoice) ([]byte, error) {
	doc := xmlDocument{
		Version:        FormatPrivate,
		XmlnsDS:        nsSignature,
		XmlnsP:         nsFatture,
		XmlnsXSI:       nsInstance,
		SchemaLocation: schemaLocation,
	}

	recipient := inv.Buyer.RecipientCode
	if recipient == "" {
		recipient = DefaultRecipientCode
	}
	doc.Header.Transmission = xmlTransmission{
		Sender:        xmlFiscalID{Country: "IT", Code: inv.Seller.FiscalCode},
		Progressive:   inv.ProgressivoInvio,
		Format:        FormatPrivate,
		RecipientCode: strings.ToUpper(recipient),
		PEC:           inv.Buyer.PEC,
	}
	doc.Header.Seller = xmlSeller{
		Data: xmlSellerData{
			VAT:        xmlFiscalID{Country: "IT", Code: strings.TrimPrefix(strings.ToUpper(inv.Seller.VATNumber), "IT")},
			FiscalCode: inv.Seller.FiscalCode,
			Registry:   xmlRegistry{Name: inv.Seller.LegalName},
			Regime:     inv.Seller.TaxRegime,
		},
		Address: toXMLAddress(inv.Seller.Address),
	}
	buyer := xmlBuyer{
		Data: xmlBuyerData{
			FiscalCode: inv.Buyer.FiscalCode,
			Registry:   xmlRegistry{Name: inv.Buyer.Name},
		},
		Address: toXMLAddress(inv.Buyer.Address),
	}
	if inv.Buyer.VATNumber != "" {
		buyer.Data.VAT = &xmlFiscalID{Country: "IT", Code: strings.TrimPrefix(strings.ToUpper(inv.Buyer.VATNumber), "IT")}
	}
	doc.Header.Buyer = buyer

	doc.Body.General.Document = xmlGeneralDocument{
		Type:     inv.DocumentType,
		Currency: inv.Currency,
		Date:     inv.Date,
		Number:   inv.Number,
		Total:    inv.Totals.Gross.StringFixed(2),
		Reason:   splitReason(inv.Note),
	}
	for _, l := range inv.Lines {
		doc.Body.Goods.Lines = append(doc.Body.Goods.Lines, xmlLine{
			Number:      l.Number,
			Description: l.Description,
			Quantity:    l.Quantity.StringFixed(2),
			UnitPrice:   l.UnitPrice.StringFixed(2),
			Total:       l.Total.StringFixed(2),
			Rate:        l.VATRate.StringFixed(2),
			Nature:      l.Nature,
		})
	}
	for _, s := range inv.Summaries {
		doc.Body.Goods.Summaries = append(doc.Body.Goods.Summaries, xmlSummary{
			Rate:           s.Rate.StringFixed(2),
			Nature:         s.Nature,
			Taxable:        s.Taxable.StringFixed(2),
			Tax:            s.Tax.StringFixed(2),
			Collectability: s.Collectability,
			Reference:      s.LegalReference,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal fatturapa document: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

func toXMLAddress(a Address) xmlAddress {
	country := a.Country
	if country == "" {
		country = "IT"
	}
	return xmlAddress{
		Street:     a.Street,
		PostalCode: a.PostalCode,
		City:       a.City,
		Province:   a.Province,
		Country:    strings.ToUpper(country),
	}
}

// Causale is limited to 200 characters per occurrence.
func splitReason(note string) []string {
	note = strings.TrimSpace(note)
	if note == "" {
		return nil
	}
	runes := []rune(note)
	var parts []string
	for len(runes) > maxReasonLength {
		parts = append(parts, string(runes[:maxReasonLength]))
		runes = runes[maxReasonLength:]
	}
	return append(parts, string(runes))
}
