package invoicing

type Customer struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	// TaxID is the buyer NIT; "CF" (consumidor final) when unknown.
	TaxID string `json:"tax_id"`
}

type Item struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   string `json:"unit_price"`
}

type CreateInvoiceRequest struct {
	Reference string   `json:"reference"`
	Currency  string   `json:"currency"`
	Total     string   `json:"total"`
	Customer  Customer `json:"customer"`
	Items     []Item   `json:"items"`
}

type Invoice struct {
	UUID      string `json:"uuid"`
	Reference string `json:"reference"`
	Series    string `json:"series"`
	Number    string `json:"number"`
	Status    string `json:"status"`
	PDFURL    string `json:"pdf_url"`
}

// Wrapper for API responses
type APIResponse struct {
	Response Invoice `json:"response"`
}
