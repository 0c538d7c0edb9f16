package firehose

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	jetstream_models "github.com/bluesky-social/jetstream/pkg/models"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/klauspost/compress/zstd"
	lingua "github.com/pemistahl/lingua-go"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"groupfeed/models"
)

const postCollection = "app.bsky.feed.post"

type PostProcessor struct {
	config           FirehoseConfig
	decoder          *zstd.Decoder
	wantedDids       mapset.Set[string]
	targetCodes      []string
	targetLanguages  []lingua.Language
	languageDetector lingua.LanguageDetector
}

func NewPostProcessor(config FirehoseConfig) (*PostProcessor, error) {
	pp := &PostProcessor{
		config:     config,
		wantedDids: mapset.NewSet(config.WantedDids...),
	}

	if len(config.Languages) > 0 {
		pp.targetLanguages = targetLanguagesToLingua(config.Languages)
		pp.targetCodes = lo.Map(pp.targetLanguages, func(l lingua.Language, _ int) string { return linguaToISO(l) })
		if config.RunLanguageDetection {
			pp.languageDetector = NewLanguageDetector(pp.targetLanguages)
		}
	}

	if config.JetstreamCompress {
		decoder, err := zstd.NewReader(nil, zstd.WithDecoderDicts(jetstream_models.ZSTDDictionary))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		pp.decoder = decoder
	}

	return pp, nil
}

// Event decodes a raw message into a Jetstream event
func (p *PostProcessor) Event(msg *RawMessage) (*jetstream_models.Event, error) {
	data := msg.Data
	if p.decoder != nil {
		decoded, err := p.decoder.DecodeAll(msg.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress message: %w", err)
		}
		data = decoded
	}

	var event jetstream_models.Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &event, nil
}

// ProcessEvent turns a create post commit into a post. It returns false for
// every other event and for posts rejected by the filters.
func (p *PostProcessor) ProcessEvent(event *jetstream_models.Event) (models.Post, bool, error) {
	if event.Commit == nil ||
		event.Commit.Operation != jetstream_models.CommitOperationCreate ||
		event.Commit.Collection != postCollection {
		return models.Post{}, false, nil
	}

	if p.wantedDids.Cardinality() > 0 && !p.wantedDids.Contains(event.Did) {
		return models.Post{}, false, nil
	}

	var record bsky.FeedPost
	if err := json.Unmarshal(event.Commit.Record, &record); err != nil {
		return models.Post{}, false, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	if p.config.SkipReplies && record.Reply != nil {
		log.WithFields(log.Fields{
			"did":  event.Did,
			"rkey": event.Commit.RKey,
		}).Debug("Dropping reply")
		return models.Post{}, false, nil
	}

	if !p.matchesLanguage(record.Text, record.Langs) {
		return models.Post{}, false, nil
	}

	createdAt, err := time.Parse(time.RFC3339, record.CreatedAt)
	if err != nil {
		createdAt = time.UnixMicro(event.TimeUS)
	}

	return models.Post{
		Id:        event.TimeUS,
		AuthorId:  event.Did,
		CreatedAt: createdAt.UTC(),
		Body:      record.Text,
	}, true, nil
}

// matchesLanguage accepts everything when no languages are configured. Tagged
// posts are matched on their tags, untagged posts by detection when enabled.
func (p *PostProcessor) matchesLanguage(text string, langs []string) bool {
	if len(p.config.Languages) == 0 {
		return true
	}
	if matchesLanguageTags(langs, p.targetCodes) {
		return true
	}
	if p.languageDetector == nil {
		return false
	}
	return p.DetectLanguage(text)
}

// DetectLanguage reports whether text is confidently written in one of the
// target languages.
func (p *PostProcessor) DetectLanguage(text string) bool {
	englishConf := p.languageDetector.ComputeLanguageConfidence(text, lingua.English)
	if englishConf > 0.8 && !lo.Contains(p.targetLanguages, lingua.English) {
		return false
	}

	var highestConf float64
	var detectedLang lingua.Language
	for _, lang := range p.targetLanguages {
		conf := p.languageDetector.ComputeLanguageConfidence(text, lang)
		if conf > highestConf {
			highestConf = conf
			detectedLang = lang
		}
	}

	if highestConf < p.config.ConfidenceThreshold {
		return false
	}

	log.Debugf("%s confidence: %.2f (threshold: %.2f)",
		detectedLang.String(), highestConf, p.config.ConfidenceThreshold)
	return true
}
