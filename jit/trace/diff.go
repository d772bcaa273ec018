package trace

import (
	"encoding/json"
	"fmt"

	"github.com/nsf/jsondiff"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// Diff renders the difference between two JSON-encodable values. The ascii form is a full
// annotated document; the compact form shows only the changed members. same reports equality.
func Diff(expected, actual interface{}, compact bool) (out string, same bool, err error) {
	exp, err := json.Marshal(expected)
	if err != nil {
		return "", false, err
	}
	act, err := json.Marshal(actual)
	if err != nil {
		return "", false, err
	}
	if compact {
		opts := jsondiff.DefaultConsoleOptions()
		opts.SkipMatches = true
		d, text := jsondiff.Compare(exp, act, &opts)
		switch d {
		case jsondiff.FullMatch:
			return "", true, nil
		case jsondiff.FirstArgIsInvalidJson, jsondiff.SecondArgIsInvalidJson, jsondiff.BothArgsAreInvalidJson:
			return "", false, fmt.Errorf("diff: %s", d)
		}
		return text, false, nil
	}

	delta, err := gojsondiff.New().Compare(exp, act)
	if err != nil {
		return "", false, err
	}
	if !delta.Modified() {
		return "", true, nil
	}
	var left interface{}
	if err := json.Unmarshal(exp, &left); err != nil {
		return "", false, err
	}
	f := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, err = f.Format(delta)
	return out, false, err
}
