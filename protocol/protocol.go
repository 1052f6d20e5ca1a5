// Package protocol defines the wire-level constants and JSON-RPC message
// model shared by the client and server transports: Nostr event kinds, tag
// names, MCP method names and the CEP-8 payment notification payloads.
package protocol

// Nostr event kinds used by the transports. The numeric values are fixed by
// the Nostr ecosystem and must not be changed.
const (
	KindServerAnnouncement    = 11316
	KindToolsList             = 11317
	KindResourcesList         = 11318
	KindResourceTemplatesList = 11319
	KindPromptsList           = 11320

	// KindMessage carries a JSON-encoded JSON-RPC message in its content.
	KindMessage = 25910

	// KindGiftWrap and KindEphemeralGiftWrap seal a complete inner event.
	// The ephemeral variant lives in the relay-transient kind range.
	KindGiftWrap          = 1059
	KindEphemeralGiftWrap = 21059

	// NIP-47 wallet kinds.
	KindWalletInfo               = 13194
	KindWalletRequest            = 23194
	KindWalletResponse           = 23195
	KindWalletNotification       = 23196
	KindWalletNotificationLegacy = 23197

	// NIP-57 zap kinds.
	KindZapRequest = 9734
	KindZapReceipt = 9735

	KindDeletion = 5
)

// Tag names.
const (
	TagPubkey     = "p"
	TagEvent      = "e"
	TagPMI        = "pmi"
	TagCapability = "cap"

	// Server profile tags carried on announcement events.
	TagName    = "name"
	TagAbout   = "about"
	TagWebsite = "website"
	TagPicture = "picture"

	// TagSupportsEncryption marks a server that accepts gift-wrapped
	// messages. Its value lists the accepted modes.
	TagSupportsEncryption = "support_encryption"

	// TagEphemeral on an initialize response advertises ephemeral
	// gift-wrap support for subsequent requests.
	TagEphemeral = "ephemeral"
)

// MCP method names the transports inspect.
const (
	MethodInitialize            = "initialize"
	MethodToolsList             = "tools/list"
	MethodToolsCall             = "tools/call"
	MethodResourcesList         = "resources/list"
	MethodResourcesRead         = "resources/read"
	MethodResourceTemplatesList = "resources/templates/list"
	MethodPromptsList           = "prompts/list"
	MethodPromptsGet            = "prompts/get"

	NotificationInitialized = "notifications/initialized"
	NotificationProgress    = "notifications/progress"

	// CEP-8 payment notifications.
	NotificationPaymentRequired = "notifications/payment_required"
	NotificationPaymentAccepted = "notifications/payment_accepted"
	NotificationPaymentRejected = "notifications/payment_rejected"
)

// ProtocolVersion is the MCP protocol revision the stateless client
// emulation advertises.
const ProtocolVersion = "2025-03-26"

// DefaultMaxMessageBytes bounds the size of a JSON-RPC message accepted from
// the wire. Oversize messages are dropped.
const DefaultMaxMessageBytes = 256 * 1024

// AnnouncementRequestID is the reserved JSON-RPC id the server transport uses
// for the internal announcement handshake. Responses carrying it never reach
// a client.
const AnnouncementRequestID = "announcement"
