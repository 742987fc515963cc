package condition

type Operator string

const (
	Is             Operator = "is"
	IsNot          Operator = "isNot"
	Contains       Operator = "contains"
	DoesNotContain Operator = "doesNotContain"
	IsGreater      Operator = "isGreater"
	IsGreaterEqual Operator = "isGreaterEqual"
	IsLess         Operator = "isLess"
	IsLessEqual    Operator = "isLessEqual"
	IsAnyOf        Operator = "isAnyOf"
	IsNoneOf       Operator = "isNoneOf"
	HasAnyOf       Operator = "hasAnyOf"
	HasAllOf       Operator = "hasAllOf"
	HasNoneOf      Operator = "hasNoneOf"
	IsExactly      Operator = "isExactly"
	IsNotExactly   Operator = "isNotExactly"
	IsEmpty        Operator = "isEmpty"
	IsNotEmpty     Operator = "isNotEmpty"
	IsWithIn       Operator = "isWithIn"
	IsBefore       Operator = "isBefore"
	IsAfter        Operator = "isAfter"
	IsOnOrBefore   Operator = "isOnOrBefore"
	IsOnOrAfter    Operator = "isOnOrAfter"
)

// negations 否定运算符及其对应的肯定形式，否定条件对 NULL 同样成立
var negations = map[Operator]Operator{
	IsNot:          Is,
	DoesNotContain: Contains,
	IsNoneOf:       IsAnyOf,
	HasNoneOf:      HasAnyOf,
	IsNotExactly:   IsExactly,
}

// Positive 返回否定运算符的肯定形式
func (o Operator) Positive() (Operator, bool) {
	p, ok := negations[o]
	return p, ok
}

func (o Operator) Negative() bool {
	_, ok := negations[o]
	return ok
}

// 各类字段支持的运算符
var (
	textOperators    = operators(Is, IsNot, Contains, DoesNotContain, IsEmpty, IsNotEmpty)
	numberOperators  = operators(Is, IsNot, IsGreater, IsGreaterEqual, IsLess, IsLessEqual, IsEmpty, IsNotEmpty)
	booleanOperators = operators(Is)
	dateOperators    = operators(Is, IsNot, IsWithIn, IsBefore, IsAfter, IsOnOrBefore, IsOnOrAfter, IsEmpty, IsNotEmpty)
	selectOperators  = operators(Is, IsNot, IsAnyOf, IsNoneOf, IsEmpty, IsNotEmpty)
	setOperators     = operators(HasAnyOf, HasAllOf, HasNoneOf, IsExactly, IsNotExactly, IsEmpty, IsNotEmpty)
	recordOperators  = operators(Is, IsNot, IsAnyOf, IsNoneOf, Contains, DoesNotContain, IsEmpty, IsNotEmpty)
	recordsOperators = operators(HasAnyOf, HasAllOf, HasNoneOf, IsExactly, IsNotExactly, Contains, DoesNotContain, IsEmpty, IsNotEmpty)
	attachOperators  = operators(Contains, DoesNotContain, IsEmpty, IsNotEmpty)
)

type operatorSet map[Operator]struct{}

func operators(ops ...Operator) operatorSet {
	set := make(operatorSet, len(ops))
	for _, op := range ops {
		set[op] = struct{}{}
	}
	return set
}

func (s operatorSet) has(op Operator) bool {
	_, ok := s[op]
	return ok
}
