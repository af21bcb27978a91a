// Package gcm contains the message and response model shared by every gateway
// adapter. The response shape follows the GCM multicast contract: one result per
// requested registration ID, in request order.
package gcm

// Error codes reported per recipient by the messaging gateway.
const (
	ErrorInvalidRegistration       = "InvalidRegistration"
	ErrorNotRegistered             = "NotRegistered"
	ErrorMismatchSenderID          = "MismatchSenderId"
	ErrorMessageTooBig             = "MessageTooBig"
	ErrorDeviceMessageRateExceeded = "DeviceMessageRateExceeded"
	ErrorUnavailable               = "Unavailable"
	ErrorInternalServerError       = "InternalServerError"
	ErrorUnknown                   = "Unknown"
)

// DefaultCollapseKey is used when a caller does not supply one.
const DefaultCollapseKey = "message"

// Payload is the opaque key-value data delivered to the device.
type Payload map[string]string

// Result is the outcome for a single recipient. An empty Error means success.
type Result struct {
	MessageID               string `json:"message_id,omitempty"`
	CanonicalRegistrationID string `json:"registration_id,omitempty"`
	Error                   string `json:"error,omitempty"`
}

// Failed reports whether the gateway rejected this recipient.
func (r Result) Failed() bool {
	return r.Error != ""
}

// SendResponse is the gateway's answer to a multicast send.
// Results[i] always refers to the i-th requested registration ID.
type SendResponse struct {
	MulticastID  int64    `json:"multicast_id,omitempty"`
	Success      int      `json:"success"`
	Failure      int      `json:"failure"`
	CanonicalIDs int      `json:"canonical_ids"`
	Results      []Result `json:"results"`
}

// Merge appends the counters and results of a later chunk, keeping order.
func (r *SendResponse) Merge(next *SendResponse) {
	if next == nil {
		return
	}
	r.Success += next.Success
	r.Failure += next.Failure
	r.CanonicalIDs += next.CanonicalIDs
	r.Results = append(r.Results, next.Results...)
	if r.MulticastID == 0 {
		r.MulticastID = next.MulticastID
	}
}

// ErrorCounts tallies the error codes present in the response.
func (r *SendResponse) ErrorCounts() map[string]int {
	counts := make(map[string]int)
	if r == nil {
		return counts
	}
	for _, res := range r.Results {
		if res.Failed() {
			counts[res.Error]++
		}
	}
	return counts
}

// Batch splits ids into consecutive chunks of at most size elements.
// The chunks share the backing array of ids.
func Batch(ids []string, size int) [][]string {
	if size <= 0 || len(ids) <= size {
		if len(ids) == 0 {
			return nil
		}
		return [][]string{ids}
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		batches = append(batches, ids[start:end:end])
	}
	return batches
}
