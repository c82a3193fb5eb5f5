package runtypes

import (
	"github.com/go-viper/mapstructure/v2"
)

// ClassConfiguration is one entry of classifiers[*].classConfigurations[*]
// in the compute-run config, per the detection rules in spec §4.C.
type ClassConfiguration struct {
	FeatureExtractionType                   string   `mapstructure:"featureExtractionType"`
	FeatureExtractionEndpoint               string   `mapstructure:"featureExtractionEndpoint"`
	ZScoreNormalisationReferenceFeaturesPaths []string `mapstructure:"zScoreNormalisationReferenceFeaturesPaths"`
	ProjectionEndpoint                       string   `mapstructure:"projectionEndpoint"`
	QualityEndpoint                          string   `mapstructure:"qualityEndpoint"`
}

// Classifier is one entry of the top-level classifiers list.
type Classifier struct {
	ClassConfigurations     []ClassConfiguration `mapstructure:"classConfigurations"`
	ClassificationDimensions []interface{}       `mapstructure:"classificationDimensions"`
}

// CmaMAEConfig controls whether the pyribs archive service is required.
type CmaMAEConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EvolutionConfig holds the fields the Run Manager uses to derive total
// generations (spec §4.E, "Total-generations estimation").
type EvolutionConfig struct {
	NumberOfEvals  int `mapstructure:"numberOfEvals"`
	BatchSize      int `mapstructure:"batchSize"`
	MaxGenerations int `mapstructure:"maxGenerations"`
}

// ComputeRunConfig is the semi-open compute-run config map, decoded into
// the strict/known-optional/opaque-passthrough shape described in spec §9
// ("Dynamic JSON config objects"). Ports and ServiceURLs are the
// known-optional fields the Service-Dependency Manager reads from and
// writes endpoints into; Extra carries everything else untouched.
type ComputeRunConfig struct {
	Classifiers  []Classifier    `mapstructure:"classifiers"`
	CmaMAEConfig CmaMAEConfig    `mapstructure:"cmaMAEConfig"`
	Evolution    EvolutionConfig `mapstructure:",squash"`

	Ports        map[string]int      `mapstructure:"ports"`
	ServiceURLs  map[string][]string `mapstructure:"serviceUrls"`

	Extra map[string]interface{} `mapstructure:",remain"`
}

// DecodeComputeRunConfig decodes a generic parsed-JSON map (as produced by
// stripping JSONC comments and unmarshalling) into the strict/optional
// shape, leaving every unrecognized key in Extra so it round-trips
// unchanged on write (spec §9).
func DecodeComputeRunConfig(raw map[string]interface{}) (ComputeRunConfig, error) {
	var cfg ComputeRunConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return cfg, err
	}
	if err := dec.Decode(raw); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Encode flattens cfg back into a generic map suitable for JSON
// marshalling, merging Extra's passthrough keys back in at the top level.
func (c ComputeRunConfig) Encode() (map[string]interface{}, error) {
	out := map[string]interface{}{}
	for k, v := range c.Extra {
		out[k] = v
	}
	if len(c.Classifiers) > 0 {
		classifiers := make([]interface{}, 0, len(c.Classifiers))
		for _, cl := range c.Classifiers {
			confs := make([]interface{}, 0, len(cl.ClassConfigurations))
			for _, cc := range cl.ClassConfigurations {
				confs = append(confs, map[string]interface{}{
					"featureExtractionType":                     cc.FeatureExtractionType,
					"featureExtractionEndpoint":                  cc.FeatureExtractionEndpoint,
					"zScoreNormalisationReferenceFeaturesPaths": cc.ZScoreNormalisationReferenceFeaturesPaths,
					"projectionEndpoint":                         cc.ProjectionEndpoint,
					"qualityEndpoint":                            cc.QualityEndpoint,
				})
			}
			classifiers = append(classifiers, map[string]interface{}{
				"classConfigurations":      confs,
				"classificationDimensions": cl.ClassificationDimensions,
			})
		}
		out["classifiers"] = classifiers
	}
	out["cmaMAEConfig"] = map[string]interface{}{"enabled": c.CmaMAEConfig.Enabled}
	if c.Evolution.NumberOfEvals != 0 {
		out["numberOfEvals"] = c.Evolution.NumberOfEvals
	}
	if c.Evolution.BatchSize != 0 {
		out["batchSize"] = c.Evolution.BatchSize
	}
	if c.Evolution.MaxGenerations != 0 {
		out["maxGenerations"] = c.Evolution.MaxGenerations
	}
	if c.Ports != nil {
		out["ports"] = c.Ports
	}
	if c.ServiceURLs != nil {
		out["serviceUrls"] = c.ServiceURLs
	}
	return out, nil
}

// TotalGenerations implements spec §4.E / §9's canonicalized derivation:
// ceil(numberOfEvals / batchSize), falling back to maxGenerations only
// when the divisor fields are absent.
func (c ComputeRunConfig) TotalGenerations() int {
	if c.Evolution.NumberOfEvals > 0 && c.Evolution.BatchSize > 0 {
		n := c.Evolution.NumberOfEvals
		b := c.Evolution.BatchSize
		return (n + b - 1) / b
	}
	return c.Evolution.MaxGenerations
}
