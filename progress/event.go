// Package progress follows the server-side processing of uploaded files and
// of chat queries. Events arrive over a reconnecting WebSocket (Channel) or,
// when that is unusable, from a polled REST endpoint (Poller); reducers fold
// them into display-ready snapshots and the trackers wire the pieces together.
package progress

import (
	"encoding/json"
	"fmt"
)

// Event is one decoded progress message. The concrete types below are the
// complete vocabulary; anything else decodes to UnknownEvent.
type Event interface {
	EventName() string
}

// Event names.
const (
	EventProcessingStarted              = "processing_started"
	EventPDFExtractionProgress          = "pdf_extraction_progress"
	EventSentenceExtractionDetail       = "sentence_extraction_detail"
	EventSentenceClassificationProgress = "sentence_classification_progress"
	EventSentenceClassificationDetail   = "sentence_classification_detail"
	EventProcessingCompleted            = "processing_completed"
	EventProcessingFailed               = "processing_failed"

	EventQueryProcessingStarted     = "query_processing_started"
	EventKeywordExtractionCompleted = "keyword_extraction_completed"
	EventDatabaseSearchProgress     = "database_search_progress"
	EventDatabaseSearchResult       = "database_search_result"
	EventAnswerGenerationStarted    = "answer_generation_started"
	EventReferencedSentences        = "referenced_sentences"
	EventQueryCompleted             = "query_completed"
	EventQueryFailed                = "query_failed"

	EventConnectionEstablished = "connection_established"
	EventPing                  = "ping"
	EventPong                  = "pong"
)

// ExtractedSentence ...
type ExtractedSentence struct {
	Sentence string `json:"sentence"`
	Page     int    `json:"page"`
}

// ClassifiedSentence is a sentence with its definition type ("cd" or "od").
type ClassifiedSentence struct {
	SentenceUUID string `json:"sentence_uuid"`
	Sentence     string `json:"sentence"`
	DefiningType string `json:"defining_type"`
	Reason       string `json:"reason"`
	Page         int    `json:"page"`
}

// FoundSentence is a definition sentence matched by a query, possibly from
// any of the caller's files.
type FoundSentence struct {
	SentenceUUID   string  `json:"sentence_uuid"`
	FileUUID       string  `json:"file_uuid"`
	Sentence       string  `json:"sentence"`
	Page           int     `json:"page"`
	DefiningType   string  `json:"defining_type"`
	Reason         string  `json:"reason"`
	OriginalName   string  `json:"original_name"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Header holds the fields every message carries.
type Header struct {
	Timestamp string `json:"timestamp,omitempty"`
}

// ProcessingStarted ...
type ProcessingStarted struct {
	Header
	FileUUID string `json:"file_uuid"`
}

// PDFExtractionProgress ...
type PDFExtractionProgress struct {
	Header
	FileUUID string  `json:"file_uuid"`
	Progress float64 `json:"progress"`
}

// SentenceExtractionDetail ...
type SentenceExtractionDetail struct {
	Header
	FileUUID  string              `json:"file_uuid"`
	Sentences []ExtractedSentence `json:"sentences"`
}

// SentenceClassificationProgress ...
type SentenceClassificationProgress struct {
	Header
	FileUUID string  `json:"file_uuid"`
	Progress float64 `json:"progress"`
	Current  int     `json:"current"`
	Total    int     `json:"total"`
}

// SentenceClassificationDetail ...
type SentenceClassificationDetail struct {
	Header
	FileUUID  string               `json:"file_uuid"`
	Sentences []ClassifiedSentence `json:"sentences"`
}

// ProcessingCompleted ...
type ProcessingCompleted struct {
	Header
	FileUUID string `json:"file_uuid"`
}

// ProcessingFailed ...
type ProcessingFailed struct {
	Header
	FileUUID string `json:"file_uuid"`
	Error    string `json:"error"`
}

// QueryProcessingStarted ...
type QueryProcessingStarted struct {
	Header
	QueryUUID string `json:"query_uuid"`
}

// KeywordExtractionCompleted ...
type KeywordExtractionCompleted struct {
	Header
	QueryUUID string   `json:"query_uuid"`
	Keywords  []string `json:"keywords"`
}

// DatabaseSearchProgress ...
type DatabaseSearchProgress struct {
	Header
	QueryUUID        string         `json:"query_uuid"`
	Keywords         []string       `json:"keywords"`
	Progress         float64        `json:"progress"`
	CurrentStep      string         `json:"current_step"`
	FoundDefinitions map[string]int `json:"found_definitions"`
}

// DatabaseSearchResult ...
type DatabaseSearchResult struct {
	Header
	QueryUUID      string          `json:"query_uuid"`
	Keyword        string          `json:"keyword"`
	FoundSentences []FoundSentence `json:"found_sentences"`
}

// AnswerGenerationStarted ...
type AnswerGenerationStarted struct {
	Header
	QueryUUID string `json:"query_uuid"`
}

// ReferencedSentences ...
type ReferencedSentences struct {
	Header
	QueryUUID string          `json:"query_uuid"`
	Sentences []FoundSentence `json:"referenced_sentences"`
}

// QueryCompleted ...
type QueryCompleted struct {
	Header
	QueryUUID string `json:"query_uuid"`
}

// QueryFailed ...
type QueryFailed struct {
	Header
	QueryUUID string `json:"query_uuid"`
	Error     string `json:"error"`
}

// ConnectionEstablished is sent by the server right after the handshake.
type ConnectionEstablished struct {
	Header
	Status string `json:"status"`
}

// Ping is the heartbeat the client sends; Time is in unix milliseconds.
type Ping struct {
	Header
	Time int64 `json:"time"`
}

// Pong answers a heartbeat ping.
type Pong struct {
	Header
	Time int64 `json:"time"`
}

// UnknownEvent is any message with an event name outside the vocabulary.
type UnknownEvent struct {
	Name string
	Raw  json.RawMessage
}

func (ProcessingStarted) EventName() string              { return EventProcessingStarted }
func (PDFExtractionProgress) EventName() string          { return EventPDFExtractionProgress }
func (SentenceExtractionDetail) EventName() string       { return EventSentenceExtractionDetail }
func (SentenceClassificationProgress) EventName() string { return EventSentenceClassificationProgress }
func (SentenceClassificationDetail) EventName() string   { return EventSentenceClassificationDetail }
func (ProcessingCompleted) EventName() string            { return EventProcessingCompleted }
func (ProcessingFailed) EventName() string               { return EventProcessingFailed }
func (QueryProcessingStarted) EventName() string         { return EventQueryProcessingStarted }
func (KeywordExtractionCompleted) EventName() string     { return EventKeywordExtractionCompleted }
func (DatabaseSearchProgress) EventName() string         { return EventDatabaseSearchProgress }
func (DatabaseSearchResult) EventName() string           { return EventDatabaseSearchResult }
func (AnswerGenerationStarted) EventName() string        { return EventAnswerGenerationStarted }
func (ReferencedSentences) EventName() string            { return EventReferencedSentences }
func (QueryCompleted) EventName() string                 { return EventQueryCompleted }
func (QueryFailed) EventName() string                    { return EventQueryFailed }
func (ConnectionEstablished) EventName() string          { return EventConnectionEstablished }
func (Ping) EventName() string                           { return EventPing }
func (Pong) EventName() string                           { return EventPong }
func (e UnknownEvent) EventName() string                 { return e.Name }

// failure carries the two spellings the server uses for the error text.
type failure struct {
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

func (f failure) message() string {
	if f.Error != "" {
		return f.Error
	}
	if f.ErrorMessage != "" {
		return f.ErrorMessage
	}
	return "processing failed"
}

// DecodeEvent parses one message. It fails only on malformed JSON or a
// missing event name; unknown names yield UnknownEvent.
func DecodeEvent(data []byte) (Event, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if envelope.Event == "" {
		return nil, fmt.Errorf("decode event: missing event name")
	}

	var event Event
	var err error
	switch envelope.Event {
	case EventProcessingStarted:
		var e ProcessingStarted
		err = json.Unmarshal(data, &e)
		event = e
	case EventPDFExtractionProgress:
		var e PDFExtractionProgress
		err = json.Unmarshal(data, &e)
		event = e
	case EventSentenceExtractionDetail:
		var e SentenceExtractionDetail
		err = json.Unmarshal(data, &e)
		event = e
	case EventSentenceClassificationProgress:
		var e SentenceClassificationProgress
		err = json.Unmarshal(data, &e)
		event = e
	case EventSentenceClassificationDetail:
		var e SentenceClassificationDetail
		err = json.Unmarshal(data, &e)
		event = e
	case EventProcessingCompleted:
		var e ProcessingCompleted
		err = json.Unmarshal(data, &e)
		event = e
	case EventProcessingFailed:
		var e ProcessingFailed
		var f failure
		if err = json.Unmarshal(data, &e); err == nil {
			err = json.Unmarshal(data, &f)
		}
		e.Error = f.message()
		event = e
	case EventQueryProcessingStarted:
		var e QueryProcessingStarted
		err = json.Unmarshal(data, &e)
		event = e
	case EventKeywordExtractionCompleted:
		var e KeywordExtractionCompleted
		err = json.Unmarshal(data, &e)
		event = e
	case EventDatabaseSearchProgress:
		var e DatabaseSearchProgress
		err = json.Unmarshal(data, &e)
		event = e
	case EventDatabaseSearchResult:
		var e DatabaseSearchResult
		err = json.Unmarshal(data, &e)
		event = e
	case EventAnswerGenerationStarted:
		var e AnswerGenerationStarted
		err = json.Unmarshal(data, &e)
		event = e
	case EventReferencedSentences:
		var e ReferencedSentences
		err = json.Unmarshal(data, &e)
		event = e
	case EventQueryCompleted:
		var e QueryCompleted
		err = json.Unmarshal(data, &e)
		event = e
	case EventQueryFailed:
		var e QueryFailed
		var f failure
		if err = json.Unmarshal(data, &e); err == nil {
			err = json.Unmarshal(data, &f)
		}
		e.Error = f.message()
		event = e
	case EventConnectionEstablished:
		var e ConnectionEstablished
		err = json.Unmarshal(data, &e)
		event = e
	case EventPing:
		var e Ping
		err = json.Unmarshal(data, &e)
		event = e
	case EventPong:
		var e Pong
		err = json.Unmarshal(data, &e)
		event = e
	default:
		return UnknownEvent{Name: envelope.Event, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s event: %w", envelope.Event, err)
	}
	return event, nil
}

// EncodeEvent renders an event in the wire format, with its name in the
// "event" field.
func EncodeEvent(event Event) ([]byte, error) {
	if unknown, ok := event.(UnknownEvent); ok {
		return unknown.Raw, nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.EventName(), err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", event.EventName(), err)
	}
	fields["event"] = event.EventName()
	return json.Marshal(fields)
}
