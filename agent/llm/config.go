package llm

import (
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/persona-router/agent/contract"
	openrouterx "github.com/tanpawarit/persona-router/pkg/openrouter"
)

// Role selects per-role model overrides. Specialists use their own name.
type Role string

const RoleClassifier Role = "classifier"

func RoleFor(name contractx.SpecialistName) Role {
	return Role(name)
}

type Config struct {
	BaseURL            string        `envconfig:"BASE_URL" split_words:"true" default:"https://openrouter.ai/api/v1"`
	APIKey             string        `envconfig:"API_KEY" split_words:"true" required:"true"`
	Model              string        `envconfig:"MODEL" split_words:"true" required:"true"`
	MaxCompletionToken int           `envconfig:"MAX_COMPLETION_TOKEN" split_words:"true" default:"2000"`
	Temperature        float32       `envconfig:"TEMPERATURE" split_words:"true" default:"0.5"`
	Timeout            time.Duration `envconfig:"TIMEOUT" split_words:"true" default:"30s"`
	SiteURL            string        `envconfig:"SITE_URL" split_words:"true"`
	SiteName           string        `envconfig:"SITE_NAME" split_words:"true"`
	MaxToolRounds      int           `envconfig:"MAX_TOOL_ROUNDS" split_words:"true" default:"4"`

	ClassifierModel       string  `envconfig:"CLASSIFIER_MODEL" split_words:"true"`
	GeneralModel          string  `envconfig:"GENERAL_MODEL" split_words:"true"`
	PatternModel          string  `envconfig:"PATTERN_MODEL" split_words:"true"`
	AllocationModel       string  `envconfig:"ALLOCATION_MODEL" split_words:"true"`
	ReportModel           string  `envconfig:"REPORT_MODEL" split_words:"true"`
	ClassifierTemperature float32 `envconfig:"CLASSIFIER_TEMPERATURE" split_words:"true" default:"0"`
	SpecialistTemperature float32 `envconfig:"SPECIALIST_TEMPERATURE" split_words:"true" default:"-1"`
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("%w: openrouter api key is required", contractx.ErrValidation)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%w: default model is required", contractx.ErrValidation)
	}
	if c.MaxToolRounds < 0 {
		return fmt.Errorf("%w: max tool rounds must be >= 0", contractx.ErrValidation)
	}
	return nil
}

func (c Config) OpenRouterFor(role Role) openrouterx.Config {
	modelName := strings.TrimSpace(c.Model)
	temp := c.Temperature

	override := ""
	switch role {
	case RoleClassifier:
		override = c.ClassifierModel
		if c.ClassifierTemperature >= 0 {
			temp = c.ClassifierTemperature
		}
	case RoleFor(contractx.SpecialistGeneralInquiry):
		override = c.GeneralModel
	case RoleFor(contractx.SpecialistPatternAnalysis):
		override = c.PatternModel
	case RoleFor(contractx.SpecialistAllocation):
		override = c.AllocationModel
	case RoleFor(contractx.SpecialistAdminReport):
		override = c.ReportModel
	}
	if v := strings.TrimSpace(override); v != "" {
		modelName = v
	}
	if role != RoleClassifier && c.SpecialistTemperature >= 0 {
		temp = c.SpecialistTemperature
	}

	maxCompletionToken := c.MaxCompletionToken
	return openrouterx.Config{
		BaseURL:            strings.TrimSpace(c.BaseURL),
		APIKey:             strings.TrimSpace(c.APIKey),
		Model:              modelName,
		MaxCompletionToken: &maxCompletionToken,
		Temperature:        temp,
		Timeout:            c.Timeout,
		SiteURL:            strings.TrimSpace(c.SiteURL),
		SiteName:           strings.TrimSpace(c.SiteName),
	}
}
