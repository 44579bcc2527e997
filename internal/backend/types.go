package backend

// ChatTurn is one entry of the ordered conversation sent to the chat endpoint.
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatReply is the chat completion response.
type ChatReply struct {
	Reply string `json:"reply"`
}

// TranscriptReply is the transcription response for an uploaded recording.
type TranscriptReply struct {
	Text string `json:"text"`
}

// TokenReply mirrors the token payload returned by the callback and
// refresh endpoints.
type TokenReply struct {
	Scope        string `json:"scope"`
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Nonce        string `json:"nonce,omitempty"`
}

// SessionToken is returned by the login endpoint.
type SessionToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// SessionUser is the identity bound to a session token.
type SessionUser struct {
	Email string `json:"email"`
}

// MeReply is the identity lookup response.
type MeReply struct {
	User SessionUser `json:"user"`
}

// Recipient identifies who an invoice was issued to.
type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// UnpaidInvoice is one open invoice with a ready-to-use payer link.
type UnpaidInvoice struct {
	ID             string     `json:"id"`
	Number         string     `json:"number,omitempty"`
	Status         string     `json:"status,omitempty"`
	Description    string     `json:"description,omitempty"`
	AmountValue    string     `json:"amount_value,omitempty"`
	AmountCurrency string     `json:"amount_currency,omitempty"`
	Recipient      *Recipient `json:"recipient,omitempty"`
	PayURL         string     `json:"pay_url,omitempty"`
}

// UnpaidInvoicesPage is the unpaid invoice listing response.
type UnpaidInvoicesPage struct {
	Count int             `json:"count"`
	Items []UnpaidInvoice `json:"items"`
}

// RecurringDates marks which of the monthly target dates had a matching payment.
type RecurringDates struct {
	LastMonth      string `json:"last_month,omitempty"`
	TwoMonthsAgo   string `json:"two_months_ago,omitempty"`
	ThreeMonthsAgo string `json:"three_months_ago,omitempty"`
}

// RecurringPayment is one detected same-day recurring payment series.
type RecurringPayment struct {
	Key         string         `json:"key"`
	Pattern     string         `json:"pattern"`
	Description string         `json:"description,omitempty"`
	Payer       string         `json:"payer,omitempty"`
	Amount      string         `json:"amount,omitempty"`
	Currency    string         `json:"currency,omitempty"`
	Dates       RecurringDates `json:"dates"`
}

// RecurringPage is the recurring payment detection response.
type RecurringPage struct {
	Count int                `json:"count"`
	Items []RecurringPayment `json:"items"`
}
