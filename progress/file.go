package progress

import "fmt"

// Step labels shown for file processing.
const (
	StepProcessingStarted        = "開始處理檔案"
	StepPDFExtraction            = "PDF 文字提取中"
	StepSentenceExtraction       = "句子提取中"
	StepSentenceClassification   = "句子分類中"
	StepProcessingCompleted      = "處理完成"
	StepProcessingFailed         = "處理失敗"
	defaultProcessingFailMessage = "處理失敗"
)

// FileProcessingProgress is the display snapshot of a file's processing.
type FileProcessingProgress struct {
	Status      Status
	CurrentStep string
	// Progress is 0-100: text extraction covers the first half,
	// classification the second.
	Progress int
	// Current and Total count classified sentences.
	Current             int
	Total               int
	ExtractedSentences  []ExtractedSentence
	ClassifiedSentences []ClassifiedSentence
	ErrorMessage        string
}

// NewFileProgress returns the pending state of a freshly uploaded file.
func NewFileProgress() FileProcessingProgress {
	return FileProcessingProgress{Status: StatusPending}
}

// Clone returns a deep copy.
func (p FileProcessingProgress) Clone() FileProcessingProgress {
	p.ExtractedSentences = append([]ExtractedSentence(nil), p.ExtractedSentences...)
	p.ClassifiedSentences = append([]ClassifiedSentence(nil), p.ClassifiedSentences...)
	return p
}

// ReduceFile folds one event into the snapshot and returns the new snapshot;
// the input is left untouched. Events for queries, control events, unknown
// events and anything arriving after a terminal state change nothing.
func ReduceFile(p FileProcessingProgress, event Event) FileProcessingProgress {
	if p.Status.Terminal() {
		return p
	}

	switch e := event.(type) {
	case ProcessingStarted:
		p.Status = StatusProcessing
		p.CurrentStep = StepProcessingStarted
		p.Progress = 0
	case PDFExtractionProgress:
		p.Status = StatusProcessing
		p.CurrentStep = StepPDFExtraction
		p.Progress = clampProgress(e.Progress / 2)
	case SentenceExtractionDetail:
		p.Status = StatusProcessing
		p.CurrentStep = StepSentenceExtraction
		p.ExtractedSentences = appendExtracted(p.ExtractedSentences, e.Sentences)
	case SentenceClassificationProgress:
		p.Status = StatusProcessing
		p.CurrentStep = fmt.Sprintf("%s (%d/%d)", StepSentenceClassification, e.Current, e.Total)
		p.Progress = clampProgress(50 + e.Progress/2)
		p.Current = e.Current
		p.Total = e.Total
	case SentenceClassificationDetail:
		p.Status = StatusProcessing
		p.ClassifiedSentences = appendClassified(p.ClassifiedSentences, e.Sentences)
	case ProcessingCompleted:
		p.Status = StatusCompleted
		p.CurrentStep = StepProcessingCompleted
		p.Progress = 100
	case ProcessingFailed:
		p.Status = StatusFailed
		p.CurrentStep = StepProcessingFailed
		p.ErrorMessage = e.Error
		if p.ErrorMessage == "" {
			p.ErrorMessage = defaultProcessingFailMessage
		}
	}
	return p
}

func appendExtracted(dst, src []ExtractedSentence) []ExtractedSentence {
	out := make([]ExtractedSentence, 0, len(dst)+len(src))
	out = append(out, dst...)
	return append(out, src...)
}

func appendClassified(dst, src []ClassifiedSentence) []ClassifiedSentence {
	out := make([]ClassifiedSentence, 0, len(dst)+len(src))
	out = append(out, dst...)
	return append(out, src...)
}
