package domain

import "strings"

// UnknownCountry is the fallback ISO-2 code for anything that doesn't
// normalise to a recognised country.
const UnknownCountry = "XX"

// knownCountryCodes is the fixed set of ISO-2 codes contact rows may carry;
// anything outside this set normalises to UnknownCountry.
var knownCountryCodes = buildCountrySet([]string{
	"AD", "AE", "AF", "AL", "AM", "AO", "AR", "AT", "AU", "AZ",
	"BA", "BD", "BE", "BF", "BG", "BH", "BI", "BJ", "BN", "BO",
	"BR", "BT", "BW", "BY", "BZ", "CA", "CD", "CF", "CG", "CH",
	"CI", "CL", "CM", "CN", "CO", "CR", "CU", "CV", "CY", "CZ",
	"DE", "DJ", "DK", "DM", "DO", "DZ", "EC", "EE", "EG", "ER",
	"ES", "ET", "FI", "FJ", "FR", "GA", "GB", "GE", "GH", "GM",
	"GN", "GQ", "GR", "GT", "GW", "GY", "HK", "HN", "HR", "HT",
	"HU", "ID", "IE", "IL", "IN", "IQ", "IR", "IS", "IT", "JM",
	"JO", "JP", "KE", "KG", "KH", "KM", "KR", "KW", "KZ", "LA",
	"LB", "LI", "LK", "LR", "LS", "LT", "LU", "LV", "LY", "MA",
	"MC", "MD", "ME", "MG", "MK", "ML", "MM", "MN", "MO", "MR",
	"MT", "MU", "MV", "MW", "MX", "MY", "MZ", "NA", "NE", "NG",
	"NI", "NL", "NO", "NP", "NZ", "OM", "PA", "PE", "PG", "PH",
	"PK", "PL", "PT", "PY", "QA", "RO", "RS", "RU", "RW", "SA",
	"SD", "SE", "SG", "SI", "SK", "SN", "SO", "SR", "SS", "SV",
	"SY", "SZ", "TD", "TG", "TH", "TJ", "TL", "TM", "TN", "TR",
	"TT", "TW", "TZ", "UA", "UG", "US", "UY", "UZ", "VE", "VN",
	"YE", "ZA", "ZM", "ZW",
})

func buildCountrySet(codes []string) map[string]struct{} {
	m := make(map[string]struct{}, len(codes))
	for _, c := range codes {
		m[c] = struct{}{}
	}
	return m
}

// NormalizeCountry upper-cases a strict two-character ISO-2 input and maps it
// to the fixed ISO-2 set, falling back to UnknownCountry. Inputs
// of any other length (empty, or three-letter ISO-3 codes such as "USA")
// normalise to UnknownCountry rather than being truncated.
func NormalizeCountry(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) != 2 {
		return UnknownCountry
	}
	code := strings.ToUpper(s)
	if _, ok := knownCountryCodes[code]; ok {
		return code
	}
	return UnknownCountry
}
