package command

import (
	"strings"

	"github.com/CZERTAINLY/Archiver/internal/model"
)

// Values are substituted into a template. Blank values leave their
// placeholder in place.
type Values struct {
	CookieJar      string
	URL            string
	TargetFilePath string
	// Extra holds ad-hoc {name} substitutions. Reserved names are ignored.
	Extra map[string]string
}

// Resolve replaces placeholders of a validated template. It adds no
// quoting: safety relies on the template passing Validate first.
func Resolve(t model.CommandTemplate, v Values) model.CommandLine {
	params := t.Parameters
	params = replace(params, model.ParamCookieJar, v.CookieJar)
	params = replace(params, model.ParamURL, v.URL)
	params = replace(params, model.ParamTargetFilePath, v.TargetFilePath)
	for name, value := range v.Extra {
		if model.IsReserved(name) {
			continue
		}
		params = replace(params, name, value)
	}
	return model.CommandLine{
		Program:    t.Command,
		Parameters: params,
	}
}

func replace(params, name, value string) string {
	if strings.TrimSpace(value) == "" {
		return params
	}
	return strings.ReplaceAll(params, model.Placeholder(name), value)
}
