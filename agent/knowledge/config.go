package knowledge

import "time"

type Config struct {
	Backend        string        `envconfig:"BACKEND" split_words:"true" default:"index"`
	CorpusDir      string        `envconfig:"CORPUS_DIR" split_words:"true" default:"./knowledge"`
	DatabaseURL    string        `envconfig:"DATABASE_URL" split_words:"true"`
	Table          string        `envconfig:"TABLE" split_words:"true" default:"kb_passages"`
	EmbeddingModel string        `envconfig:"EMBEDDING_MODEL" split_words:"true" default:"openai/text-embedding-3-small"`
	TopK           int           `envconfig:"TOP_K" split_words:"true" default:"5"`
	MinScore       float64       `envconfig:"MIN_SCORE" split_words:"true" default:"0.05"`
	CacheTTL       time.Duration `envconfig:"CACHE_TTL" split_words:"true" default:"5m"`
	Timeout        time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"10s"`
}
