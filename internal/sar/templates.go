package sar

// Template declares, per information type, which provider checks to issue,
// which compliance source category those checks draw from, and which
// knowledge-base fields the type is expected to fill. Outstanding expected
// fields are the loop's gaps.
type Template struct {
	InformationType string
	Checks          map[string]string // check type -> source category
	ExpectedFields  []string
}

// Information type names. Foundation types run sequentially with a higher
// completion threshold (§4.6).
const (
	TypeIdentity         = "identity"
	TypeEmployment       = "employment"
	TypeEducation        = "education"
	TypeCriminal         = "criminal"
	TypeCivil            = "civil"
	TypeFinancial        = "financial"
	TypeLicenses         = "licenses"
	TypeRegulatory       = "regulatory"
	TypeSanctions        = "sanctions"
	TypeAdverseMedia     = "adverse_media"
	TypeDigitalFootprint = "digital_footprint"
)

// FoundationTypes in execution order. Identity failing aborts the
// investigation.
var FoundationTypes = []string{TypeIdentity, TypeEmployment, TypeEducation}

// RecordsTypes run in parallel within the Records phase.
var RecordsTypes = []string{TypeCriminal, TypeCivil, TypeFinancial, TypeLicenses, TypeRegulatory, TypeSanctions}

// IntelligenceTypes run in parallel; digital footprint only under Enhanced.
var IntelligenceTypes = []string{TypeAdverseMedia, TypeDigitalFootprint}

// NetworkLiteTypes is the reduced cycle a related entity gets during
// network expansion: Foundation-lite plus a Records subset (§4.6).
var NetworkLiteTypes = []string{TypeIdentity, TypeCriminal, TypeSanctions}

var templates = map[string]Template{
	TypeIdentity: {
		InformationType: TypeIdentity,
		Checks:          map[string]string{"identity": "government_id"},
		ExpectedFields:  []string{"name", "dob", "address"},
	},
	TypeEmployment: {
		InformationType: TypeEmployment,
		Checks:          map[string]string{"employment": "self_attested_plus_verification"},
		ExpectedFields:  []string{"employer", "county", "state"},
	},
	TypeEducation: {
		InformationType: TypeEducation,
		Checks:          map[string]string{"education": "institution_registry"},
		ExpectedFields:  []string{"school"},
	},
	TypeCriminal: {
		InformationType: TypeCriminal,
		Checks:          map[string]string{"criminal": "court_records"},
		ExpectedFields:  []string{"county", "state"},
	},
	TypeCivil: {
		InformationType: TypeCivil,
		Checks:          map[string]string{"civil": "court_records"},
		ExpectedFields:  []string{"address"},
	},
	TypeFinancial: {
		InformationType: TypeFinancial,
		Checks:          map[string]string{"financial": "credit_bureau"},
		ExpectedFields:  nil,
	},
	TypeLicenses: {
		InformationType: TypeLicenses,
		Checks:          map[string]string{"licenses": "regulator"},
		ExpectedFields:  []string{"license"},
	},
	TypeRegulatory: {
		InformationType: TypeRegulatory,
		Checks:          map[string]string{"regulatory": "regulator"},
		ExpectedFields:  nil,
	},
	TypeSanctions: {
		InformationType: TypeSanctions,
		Checks:          map[string]string{"sanctions": "watchlist", "pep": "watchlist"},
		ExpectedFields:  nil,
	},
	TypeAdverseMedia: {
		InformationType: TypeAdverseMedia,
		Checks:          map[string]string{"adverse_media": "news_archive"},
		ExpectedFields:  nil,
	},
	TypeDigitalFootprint: {
		InformationType: TypeDigitalFootprint,
		Checks:          map[string]string{"osint": "public_social", "behavioral": "public_social"},
		ExpectedFields:  nil,
	},
}

// TemplateFor looks up the template for an information type.
func TemplateFor(infoType string) (Template, bool) {
	t, ok := templates[infoType]
	return t, ok
}
