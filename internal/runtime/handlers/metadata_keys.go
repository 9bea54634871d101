package handlers

// Header keys read and written by the handler strategies. They travel on the
// wire next to the headers defined in the metadata package.
const (
	// MetadataKeyCorrelationID tracks related messages across services.
	MetadataKeyCorrelationID = "Nf-Correlation-Id"

	// MetadataKeyMessageType records the Go type a target serialized.
	MetadataKeyMessageType = "Nf-Message-Type"
)
