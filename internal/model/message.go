package model

import "time"

// MailMessage is one fully decoded message as retrieved from the mail
// source. It is produced once per fetch and not mutated afterwards.
type MailMessage struct {
	// UID is the transport identifier the message was fetched under.
	UID string

	// MessageID is the Message-ID header value, possibly empty.
	MessageID string

	// From is the decoded sender header.
	From string

	// Subject is the decoded subject header.
	Subject string

	// Date is the message timestamp normalized to UTC. When the Date
	// header is unparsable this falls back to the receipt time.
	Date time.Time

	// Text is the best-effort plain-text body (whitespace-collapsed;
	// derived from HTML when no text/plain part exists).
	Text string

	// Lines is the same body with line structure preserved: horizontal
	// whitespace is collapsed within each line but line breaks are
	// kept, so line-oriented heuristics can segment it.
	Lines string

	// HTML is the raw text/html part, when present.
	HTML string

	// Attachments are the non-container leaf parts carrying a
	// filename. The pipeline takes ownership of the bytes.
	Attachments []Attachment
}

// Attachment is a single decoded attachment part.
type Attachment struct {
	// Filename is the decoded (or synthesized) attachment name.
	Filename string

	// ContentType is the MIME type of the part.
	ContentType string

	// Data is the raw decoded payload.
	Data []byte
}

// LineItem is a single product entry heuristically extracted from a
// shipment-notification body.
type LineItem struct {
	Title    string
	Quantity int
	Variant  string
	SKU      string
}

// ShipmentRecord holds everything the extractor recovered from one
// message body.
type ShipmentRecord struct {
	OrderID  string
	Tracking string
	Items    []LineItem
}
