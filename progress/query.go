package progress

// Step labels shown for query processing.
const (
	StepQueryStarted        = "開始處理查詢"
	StepKeywordsExtracted   = "關鍵詞提取完成"
	StepDatabaseSearch      = "資料庫搜尋中"
	StepAnswerGeneration    = "正在生成答案"
	StepReferencedSentences = "整理參考句子"
	StepQueryCompleted      = "查詢完成"
	StepQueryFailed         = "查詢失敗"
	defaultQueryFailMessage = "查詢處理失敗"
)

// QueryProcessingProgress is the display snapshot of a chat query.
type QueryProcessingProgress struct {
	Status      Status
	CurrentStep string
	Progress    int
	Keywords    []string
	// SearchResults holds the sentences found per keyword.
	SearchResults       map[string][]FoundSentence
	ReferencedSentences []FoundSentence
	// FoundDefinitions counts matches per definition type ("cd", "od").
	FoundDefinitions map[string]int
	ErrorMessage     string
}

// NewQueryProgress returns the pending state of a new query.
func NewQueryProgress() QueryProcessingProgress {
	return QueryProcessingProgress{
		Status:           StatusPending,
		SearchResults:    map[string][]FoundSentence{},
		FoundDefinitions: map[string]int{"cd": 0, "od": 0},
	}
}

// Clone returns a deep copy.
func (p QueryProcessingProgress) Clone() QueryProcessingProgress {
	p.Keywords = append([]string(nil), p.Keywords...)
	p.ReferencedSentences = append([]FoundSentence(nil), p.ReferencedSentences...)
	p.SearchResults = cloneSearchResults(p.SearchResults)
	p.FoundDefinitions = cloneCounts(p.FoundDefinitions)
	return p
}

// ReduceQuery folds one event into the snapshot and returns the new snapshot;
// the input is left untouched. Events for files, control events, unknown
// events and anything arriving after a terminal state change nothing.
func ReduceQuery(p QueryProcessingProgress, event Event) QueryProcessingProgress {
	if p.Status.Terminal() {
		return p
	}

	switch e := event.(type) {
	case QueryProcessingStarted:
		p.Status = StatusProcessing
		p.CurrentStep = StepQueryStarted
		p.Progress = 0
	case KeywordExtractionCompleted:
		p.Status = StatusProcessing
		p.CurrentStep = StepKeywordsExtracted
		p.Progress = 20
		p.Keywords = append([]string(nil), e.Keywords...)
	case DatabaseSearchProgress:
		p.Status = StatusProcessing
		p.CurrentStep = e.CurrentStep
		if p.CurrentStep == "" {
			p.CurrentStep = StepDatabaseSearch
		}
		p.Progress = clampProgress(20 + e.Progress/2)
		if len(e.Keywords) > 0 {
			p.Keywords = append([]string(nil), e.Keywords...)
		}
		if e.FoundDefinitions != nil {
			p.FoundDefinitions = cloneCounts(e.FoundDefinitions)
		}
	case DatabaseSearchResult:
		p.Status = StatusProcessing
		results := cloneSearchResults(p.SearchResults)
		results[e.Keyword] = append(results[e.Keyword], e.FoundSentences...)
		p.SearchResults = results
	case AnswerGenerationStarted:
		p.Status = StatusProcessing
		p.CurrentStep = StepAnswerGeneration
		p.Progress = 80
	case ReferencedSentences:
		p.Status = StatusProcessing
		p.CurrentStep = StepReferencedSentences
		p.Progress = 90
		p.ReferencedSentences = append([]FoundSentence(nil), e.Sentences...)
	case QueryCompleted:
		p.Status = StatusCompleted
		p.CurrentStep = StepQueryCompleted
		p.Progress = 100
	case QueryFailed:
		p.Status = StatusFailed
		p.CurrentStep = StepQueryFailed
		p.ErrorMessage = e.Error
		if p.ErrorMessage == "" {
			p.ErrorMessage = defaultQueryFailMessage
		}
	}
	return p
}

func cloneSearchResults(in map[string][]FoundSentence) map[string][]FoundSentence {
	out := make(map[string][]FoundSentence, len(in))
	for k, v := range in {
		out[k] = append([]FoundSentence(nil), v...)
	}
	return out
}

func cloneCounts(in map[string]int) map[string]int {
	if in == nil {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
