package symbols

import "strings"

// shortCodes maps company names and exchange tickers to the short codes the
// instrument master uses in its ShortName column.
var shortCodes = map[string]string{
	"TATASTEEL":             "TATSTE",
	"TATA STEEL":            "TATSTE",
	"RELIANCE":              "RELIND",
	"RELIANCE INDUSTRIES":   "RELIND",
	"INFOSYS":               "INFTEC",
	"INFY":                  "INFTEC",
	"TATA CONSULTANCY":      "TCS",
	"HDFCBANK":              "HDFBAN",
	"HDFC BANK":             "HDFBAN",
	"ICICIBANK":             "ICIBAN",
	"ICICI BANK":            "ICIBAN",
	"SBIN":                  "STABAN",
	"SBI":                   "STABAN",
	"STATE BANK":            "STABAN",
	"BHARTIARTL":            "BHAAIR",
	"BHARTI AIRTEL":         "BHAAIR",
	"BAJAJ FINANCE":         "BAJFI",
	"BAJFINANCE":            "BAJFI",
	"LT":                    "LARTOU",
	"LARSEN":                "LARTOU",
	"ADANIENT":              "ADAENT",
	"ADANI ENTERPRISES":     "ADAENT",
	"ADANIPORTS":            "ADAPOR",
	"SUNPHARMA":             "SUNPHA",
	"TITAN":                 "TITIND",
	"ULTRACEMCO":            "ULTCEM",
	"ASIANPAINT":            "ASIPAI",
	"NESTLEIND":             "NESIND",
	"HINDUNILVR":            "HINLEV",
	"KOTAKBANK":             "KOTMAH",
	"AXISBANK":              "AXIBAN",
	"INDUSINDBK":            "INDBA",
	"BSEIND":                "BSE",
	"HAL":                   "HINAER",
	"HINDUSTAN AERONAUTICS": "HINAER",
	"HEROMOTOCO":            "HERMOT",
	"HERO MOTOCORP":         "HERMOT",
	"HERO":                  "HERMOT",
	"POWERGRID":             "POWGRI",
	"POWER GRID":            "POWGRI",
	"DIXON TECH":            "DIXON",
	"DIXON TECHNOLOGIES":    "DIXON",
	"TVSMOTOR":              "TVSMOT",
	"TVS MOTOR":             "TVSMOT",
	"TVS":                   "TVSMOT",
	"IIFL FINANCE":          "IIFL",
}

var cleaner = strings.NewReplacer(" LIMITED", "", " LTD", "", ".", "", "-", "")

// Normalize converts a company name or ticker to the instrument master's
// short code. Unknown inputs come back cleaned and upper-cased, since they
// may already be short codes.
func Normalize(nameOrSymbol string) string {
	cleaned := cleaner.Replace(strings.ToUpper(strings.TrimSpace(nameOrSymbol)))
	if code, ok := shortCodes[cleaned]; ok {
		return code
	}
	return cleaned
}

// NormalizeAll normalises each input and drops duplicates, keeping order.
func NormalizeAll(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		code := Normalize(s)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}
