package caption

import (
	"encoding/json"
	"fmt"
	"os"
)

// Metadata is the model_metadata.json document exported with the models.
type Metadata struct {
	ModelType  string `json:"model_type"`
	Encoder    string `json:"encoder"`
	Decoder    string `json:"decoder"`
	VocabSize  int    `json:"vocab_size"`
	MaxLength  int    `json:"max_length"`
	ImageSize  int    `json:"image_size"`
	FeatureDim int    `json:"feature_dim"`
	StartToken string `json:"start_token"`
	EndToken   string `json:"end_token"`
	PadToken   string `json:"pad_token"`
	Dataset    string `json:"dataset"`
}

// LoadMetadata reads a model metadata file.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}
	return &md, nil
}

func (m *Metadata) apply(c *config) {
	if m.MaxLength > 0 {
		c.decode.MaxLength = m.MaxLength
	}
	if m.ImageSize > 0 {
		c.imageWidth, c.imageHeight = m.ImageSize, m.ImageSize
	}
	if m.StartToken != "" {
		c.special.Start = m.StartToken
	}
	if m.EndToken != "" {
		c.special.End = m.EndToken
	}
	if m.PadToken != "" {
		c.special.Pad = m.PadToken
	}
}
