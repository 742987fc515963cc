package cfg

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// LoadFile 读取配置文件并解码到 object
// 依次完成格式解码、cfg tag 映射、def 默认值和 validate 校验
func LoadFile(path string, object any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config file %s failed", path)
	}
	return Load(data, formatOf(path), object)
}

// Load 按格式解码配置内容，format 取值 yaml, toml, ini, json
func Load(data []byte, format string, object any) error {
	m, err := decodeMap(data, format)
	if err != nil {
		return err
	}
	return Decode(m, object)
}

// Decode 把通用 map 解码到 object，并设置默认值和校验
func Decode(input any, object any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "cfg",
		Result:           object,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return errors.Wrap(err, "mapstructure.NewDecoder failed")
	}
	if err := decoder.Decode(input); err != nil {
		return errors.Wrap(err, "decode config failed")
	}
	if err := SetDefaults(object); err != nil {
		return errors.WithMessage(err, "SetDefaults failed")
	}
	if err := Validate(object); err != nil {
		return errors.WithMessage(err, "Validate failed")
	}
	return nil
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	case ".ini":
		return "ini"
	default:
		return "json"
	}
}

func decodeMap(data []byte, format string) (map[string]any, error) {
	result := map[string]any{}
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &result); err != nil {
			return nil, errors.Wrap(err, "yaml.Unmarshal failed")
		}
	case "toml":
		if err := toml.Unmarshal(data, &result); err != nil {
			return nil, errors.Wrap(err, "toml.Unmarshal failed")
		}
	case "ini":
		return decodeIni(data)
	case "json":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.UseNumber()
		if err := decoder.Decode(&result); err != nil {
			return nil, errors.Wrap(err, "json decode failed")
		}
	default:
		return nil, errors.Errorf("unsupported config format %q", format)
	}
	return result, nil
}

// decodeIni 默认 section 的键放在顶层，其他 section 作为嵌套 map
func decodeIni(data []byte) (map[string]any, error) {
	file, err := ini.LoadSources(ini.LoadOptions{
		AllowBooleanKeys:         true,
		SpaceBeforeInlineComment: true,
	}, data)
	if err != nil {
		return nil, errors.Wrap(err, "ini.LoadSources failed")
	}

	result := map[string]any{}
	for _, section := range file.Sections() {
		if section.Name() == ini.DefaultSection {
			for _, key := range section.Keys() {
				result[key.Name()] = key.String()
			}
			continue
		}
		values := map[string]any{}
		for _, key := range section.Keys() {
			values[key.Name()] = key.String()
		}
		result[section.Name()] = values
	}
	return result, nil
}
