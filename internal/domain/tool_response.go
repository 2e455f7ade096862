package domain

import "encoding/json"

// ToolResponse is the outcome of one tool call. The set of implementations
// is closed: InvalidInput, InternalError and Success.
type ToolResponse interface {
	// JSON is the payload shown to the model as the tool message content.
	JSON() json.RawMessage
	isToolResponse()
}

// ResponseImage is an image produced by a tool. Data is a data URL that is
// shown to the model; URL is where the image can be fetched by users.
type ResponseImage struct {
	URL  string `json:"url"`
	Data string `json:"data"`
}

// InvalidInput reports arguments the module could not accept.
type InvalidInput struct {
	Message string
}

// InternalError reports a failure inside the module or a missing tool.
type InternalError struct {
	Message string
}

type Success struct {
	Data          json.RawMessage
	Cost          Cost
	Images        []ResponseImage
	ForceContinue bool
}

func (InvalidInput) isToolResponse()  {}
func (InternalError) isToolResponse() {}
func (Success) isToolResponse()       {}

func (r InvalidInput) JSON() json.RawMessage  { return errorPayload(r.Message) }
func (r InternalError) JSON() json.RawMessage { return errorPayload(r.Message) }

func (r Success) JSON() json.RawMessage {
	if len(r.Data) == 0 {
		return json.RawMessage("null")
	}
	return r.Data
}

func errorPayload(msg string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// SuccessWith marshals v as the payload of a Success. Values that fail to
// marshal produce an InternalError instead.
func SuccessWith(v any, cost Cost) ToolResponse {
	b, err := json.Marshal(v)
	if err != nil {
		return InternalError{Message: "encode result: " + err.Error()}
	}
	return Success{Data: b, Cost: cost}
}
