package fatturapa

import "encoding/xml"

const (
	nsFatture      = "http://ivaservizi.agenziaentrate.gov.it/docs/xsd/fatture/v1.2"
	nsSignature    = "http://www.w3.org/2000/09/xmldsig#"
	nsInstance     = "http://www.w3.org/2001/XMLSchema-instance"
	schemaLocation = nsFatture + " http://www.fatturapa.gov.it/export/fatturazione/sdi/fatturapa/v1.2/Schema_del_file_xml_FatturaPA_versione_1.2.xsd"
)

type xmlDocument struct {
	XMLName        xml.Name  `xml:"p:FatturaElettronica"`
	Version        string    `xml:"versione,attr"`
	XmlnsDS        string    `xml:"xmlns:ds,attr"`
	XmlnsP         string    `xml:"xmlns:p,attr"`
	XmlnsXSI       string    `xml:"xmlns:xsi,attr"`
	SchemaLocation string    `xml:"xsi:schemaLocation,attr"`
	Header         xmlHeader `xml:"FatturaElettronicaHeader"`
	Body           xmlBody   `xml:"FatturaElettronicaBody"`
}

type xmlHeader struct {
	Transmission xmlTransmission `xml:"DatiTrasmissione"`
	Seller       xmlSeller       `xml:"CedentePrestatore"`
	Buyer        xmlBuyer        `xml:"CessionarioCommittente"`
}

type xmlFiscalID struct {
	Country string `xml:"IdPaese"`
	Code    string `xml:"IdCodice"`
}

type xmlTransmission struct {
	Sender        xmlFiscalID `xml:"IdTrasmittente"`
	Progressive   string      `xml:"ProgressivoInvio"`
	Format        string      `xml:"FormatoTrasmissione"`
	RecipientCode string      `xml:"CodiceDestinatario"`
	PEC           string      `xml:"PECDestinatario,omitempty"`
}

type xmlRegistry struct {
	Name string `xml:"Denominazione"`
}

type xmlAddress struct {
	Street     string `xml:"Indirizzo"`
	PostalCode string `xml:"CAP"`
	City       string `xml:"Comune"`
	Province   string `xml:"Provincia,omitempty"`
	Country    string `xml:"Nazione"`
}

type xmlSellerData struct {
	VAT        xmlFiscalID `xml:"IdFiscaleIVA"`
	FiscalCode string      `xml:"CodiceFiscale,omitempty"`
	Registry   xmlRegistry `xml:"Anagrafica"`
	Regime     string      `xml:"RegimeFiscale"`
}

type xmlSeller struct {
	Data    xmlSellerData `xml:"DatiAnagrafici"`
	Address xmlAddress    `xml:"Sede"`
}

type xmlBuyerData struct {
	VAT        *xmlFiscalID `xml:"IdFiscaleIVA,omitempty"`
	FiscalCode string       `xml:"CodiceFiscale,omitempty"`
	Registry   xmlRegistry  `xml:"Anagrafica"`
}

type xmlBuyer struct {
	Data    xmlBuyerData `xml:"DatiAnagrafici"`
	Address xmlAddress   `xml:"Sede"`
}

type xmlBody struct {
	General xmlGeneral `xml:"DatiGenerali"`
	Goods   xmlGoods   `xml:"DatiBeniServizi"`
}

type xmlGeneral struct {
	Document xmlGeneralDocument `xml:"DatiGeneraliDocumento"`
}

type xmlGeneralDocument struct {
	Type     string   `xml:"TipoDocumento"`
	Currency string   `xml:"Divisa"`
	Date     string   `xml:"Data"`
	Number   string   `xml:"Numero"`
	Total    string   `xml:"ImportoTotaleDocumento"`
	Reason   []string `xml:"Causale,omitempty"`
}

type xmlGoods struct {
	Lines     []xmlLine    `xml:"DettaglioLinee"`
	Summaries []xmlSummary `xml:"DatiRiepilogo"`
}

type xmlLine struct {
	Number      int    `xml:"NumeroLinea"`
	Description string `xml:"Descrizione"`
	Quantity    string `xml:"Quantita"`
	UnitPrice   string `xml:"PrezzoUnitario"`
	Total       string `xml:"PrezzoTotale"`
	Rate        string `xml:"AliquotaIVA"`
	Nature      string `xml:"Natura,omitempty"`
}

type xmlSummary struct {
	Rate           string `xml:"AliquotaIVA"`
	Nature         string `xml:"Natura,omitempty"`
	Taxable        string `xml:"ImponibileImporto"`
	Tax            string `xml:"Imposta"`
	Collectability string `xml:"EsigibilitaIVA,omitempty"`
	Reference      string `xml:"RiferimentoNormativo,omitempty"`
}
