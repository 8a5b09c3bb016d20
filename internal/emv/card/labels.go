package card

// Human-readable labels for the most common ISO 3166 / ISO 4217 numeric
// codes seen in relayed transactions. Logging only.

var countryLabels = map[string]string{
	"0036": "Australia",
	"0076": "Brazil",
	"0124": "Canada",
	"0156": "China",
	"0250": "France",
	"0276": "Germany",
	"0356": "India",
	"0380": "Italy",
	"0392": "Japan",
	"0410": "South Korea",
	"0528": "Netherlands",
	"0643": "Russia",
	"0702": "Singapore",
	"0724": "Spain",
	"0756": "Switzerland",
	"0784": "United Arab Emirates",
	"0826": "United Kingdom",
	"0840": "United States",
}

var currencyLabels = map[string]string{
	"0036": "AUD",
	"0124": "CAD",
	"0156": "CNY",
	"0356": "INR",
	"0392": "JPY",
	"0410": "KRW",
	"0643": "RUB",
	"0702": "SGD",
	"0756": "CHF",
	"0784": "AED",
	"0826": "GBP",
	"0840": "USD",
	"0978": "EUR",
	"0986": "BRL",
}
