package ml

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

var augmentationKeys = map[string]bool{
	"hsv_h": true, "hsv_s": true, "hsv_v": true, "degrees": true, "translate": true,
	"scale": true, "flipud": true, "fliplr": true, "mosaic": true, "mixup": true,
}

// ApplyOverrides decodes a loose map (REST bodies, --set key=value flags) onto cfg. Keys use the
// json names of TrainingConfig; augmentation keys may be given flat. Unknown keys are an error.
func ApplyOverrides(cfg TrainingConfig, overrides map[string]any) (TrainingConfig, error) {
	if len(overrides) == 0 {
		return cfg, nil
	}

	nested := make(map[string]any, len(overrides))
	aug := map[string]any{}
	for k, v := range overrides {
		if augmentationKeys[k] {
			aug[k] = v
			continue
		}
		nested[k] = v
	}
	if len(aug) > 0 {
		if existing, ok := nested["augmentation"].(map[string]any); ok {
			for k, v := range existing {
				aug[k] = v
			}
		}
		nested["augmentation"] = aug
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return cfg, err
	}
	if err := decoder.Decode(nested); err != nil {
		return cfg, errors.Wrap(err, "invalid training override")
	}
	return cfg, nil
}
