package messaging

// Topic constants for seal events
const (
	TopicSealRequests = "seal.requests" // clients → sealworker
	TopicSealResults  = "seal.results"  // sealworker, sealrpcd → consumers
	TopicSealChecks   = "seal.checks"   // sealrpcd → consumers
)

// Event encodings
const (
	EncodingJSON  = "json"
	EncodingProto = "proto"
)
