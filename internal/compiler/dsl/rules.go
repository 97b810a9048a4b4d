package dsl

// RuleKind is the wire tag of a rule.
type RuleKind string

const (
	KindSignatureCheck         RuleKind = "signature_check"
	KindRangeCheck             RuleKind = "range_check"
	KindAgeVerification        RuleKind = "age_verification"
	KindBlacklistCheck         RuleKind = "blacklist_check"
	KindArrayIntersectionCheck RuleKind = "array_intersection_check"
	KindCustom                 RuleKind = "custom"
)

// Rule is one of the closed set of rule variants below.
type Rule interface {
	Kind() RuleKind
	Describe() string
	isRule()
}

// Meta carries fields shared by every variant.
type Meta struct {
	Description string
}

func (m Meta) Describe() string { return m.Description }

func (Meta) isRule() {}

type SignatureCheck struct {
	Meta
	Field          string
	Algorithm      string
	PublicKeyParam string
	MessageFields  []string
}

func (SignatureCheck) Kind() RuleKind { return KindSignatureCheck }

// RangeCheck bounds an integer field. Each bound has at most one source.
type RangeCheck struct {
	Meta
	Field    string
	Min      *int64
	Max      *int64
	MinParam string
	MaxParam string
}

func (RangeCheck) Kind() RuleKind { return KindRangeCheck }

type AgeVerification struct {
	Meta
	DOBField    string
	MinAge      *int64
	MinAgeParam string
}

func (AgeVerification) Kind() RuleKind { return KindAgeVerification }

type BlacklistCheck struct {
	Meta
	Field          string
	BlacklistParam string
}

func (BlacklistCheck) Kind() RuleKind { return KindBlacklistCheck }

// ArrayIntersectionCheck requires the intersection to be empty when MustBeEmpty
// is set. With MustBeEmpty false the rule always passes.
type ArrayIntersectionCheck struct {
	Meta
	Field           string
	ProhibitedParam string
	MustBeEmpty     bool
}

func (ArrayIntersectionCheck) Kind() RuleKind { return KindArrayIntersectionCheck }

// Custom carries an unverified boolean expression inserted verbatim into the
// generated predicate.
type Custom struct {
	Meta
	Code string
}

func (Custom) Kind() RuleKind { return KindCustom }
