package vm

import "math"

// ValueType is the discriminant tag of a Value.
type ValueType uint8

const (
	TypeNil ValueType = iota
	TypeNumber
	TypeString
	TypeTable
	TypeClosure
	TypeForeignResource
	TypeForeignFunction
	TypeForeignMember
	TypeInternalConstKeyHash
)

func (t ValueType) String() string {
	switch t {
	case TypeNil:
		return "nil"
	case TypeNumber:
		return "number"
	case TypeString:
		return "string"
	case TypeTable:
		return "table"
	case TypeClosure:
		return "closure"
	case TypeForeignResource:
		return "foreign_resource"
	case TypeForeignFunction:
		return "foreign_function"
	case TypeForeignMember:
		return "foreign_member"
	case TypeInternalConstKeyHash:
		return "internal_const_hash"
	default:
		return "unknown"
	}
}

// stringObj is a heap-owned, interned string. The heap's active-string set
// keys these by content, and Value equality of strings compares content
// hashes, so two strings with the same text are equal whether or not they
// share a backing object.
type stringObj struct {
	data string
}

// TableID addresses a Table in the heap's table registry.
type TableID uint64

// ForeignResourceID addresses a host-registered resource.
type ForeignResourceID uint64

// ForeignFuncID addresses a host-registered foreign function.
type ForeignFuncID uint32

// ForeignFunc is the contract a host implements for a callable injected
// into the VM. ctx is the owning VM, so a foreign function may itself read
// globals, allocate tables, or raise a RuntimeError.
type ForeignFunc func(args []Value, ctx *VM) (Value, error)

// ForeignResource is an opaque host-managed object reachable from script
// code as a Value. Resources are traced the same way tables are: once a
// resource id becomes unreachable from the roots, Release is called and the
// id is retired.
type ForeignResource interface {
	// LoadKey implements LOAD_TABLE_ELEM against this resource.
	LoadKey(key Value, ctx *VM) (Value, error)
	// StoreKey implements STORE_TABLE_ELEM against this resource.
	StoreKey(key, val Value, ctx *VM) error
	// Release is called once the resource is no longer reachable from the
	// VM's roots.
	Release()
}

// Value is a tagged union over every representable HulaScript value.
type Value struct {
	typ ValueType

	num    float64
	str    *stringObj
	table  TableID
	funcID uint32

	foreignID ForeignResourceID
	fnID      ForeignFuncID

	// constHash holds the raw pre-computed key hash for
	// TypeInternalConstKeyHash values.
	constHash uint64
}

// Nil is the canonical nil value.
var Nil = Value{typ: TypeNil}

// Number constructs a numeric value. Booleans are represented as 1.0/0.0.
func Number(n float64) Value { return Value{typ: TypeNumber, num: n} }

// Bool constructs the numeric encoding of a boolean.
func Bool(b bool) Value {
	if b {
		return Number(1)
	}
	return Number(0)
}

func stringValue(s *stringObj) Value { return Value{typ: TypeString, str: s} }

func tableValue(id TableID) Value { return Value{typ: TypeTable, table: id} }

func closureValue(funcID uint32, capture TableID) Value {
	return Value{typ: TypeClosure, funcID: funcID, table: capture}
}

func foreignResourceValue(id ForeignResourceID) Value {
	return Value{typ: TypeForeignResource, foreignID: id}
}

func foreignFunctionValue(id ForeignFuncID) Value {
	return Value{typ: TypeForeignFunction, fnID: id}
}

func foreignMemberValue(id ForeignFuncID, resource ForeignResourceID) Value {
	return Value{typ: TypeForeignMember, fnID: id, foreignID: resource}
}

func internalConstKeyHash(h uint64) Value {
	return Value{typ: TypeInternalConstKeyHash, constHash: h}
}

// Type reports the discriminant of v.
func (v Value) Type() ValueType { return v.typ }

// IsNil reports whether v is Nil.
func (v Value) IsNil() bool { return v.typ == TypeNil }

// NumberValue returns the numeric payload; only meaningful when Type() == TypeNumber.
func (v Value) NumberValue() float64 { return v.num }

// Truthy is how AND, OR, NOT and the conditional jumps read v: Nil and a
// Number of zero are false; nonzero numbers and every other value are true.
func (v Value) Truthy() bool {
	if v.typ == TypeNumber {
		return v.num != 0
	}
	return v.typ != TypeNil
}

func (v Value) StringValue() string {
	if v.str == nil {
		return ""
	}
	return v.str.data
}

func (v Value) TableID() TableID { return v.table }

func (v Value) Closure() (funcID uint32, capture TableID) { return v.funcID, v.table }

func (v Value) ForeignResourceID() ForeignResourceID { return v.foreignID }

// valueHash computes the identity-ish hash described in §3.1.
func valueHash(v Value) uint64 {
	switch v.typ {
	case TypeNil:
		return hashCombine(0, uint64(TypeNil))
	case TypeNumber:
		return hashCombine(math.Float64bits(v.num), uint64(TypeNumber))
	case TypeString:
		return hashCombine(strHash(v.StringValue()), uint64(TypeString))
	case TypeTable:
		return hashCombine(uint64(v.table), uint64(TypeTable))
	case TypeClosure:
		return hashCombine(hashCombine(uint64(v.funcID), uint64(v.table)), uint64(TypeClosure))
	case TypeForeignResource:
		return hashCombine(uint64(v.foreignID), uint64(TypeForeignResource))
	case TypeForeignFunction:
		return hashCombine(uint64(v.fnID), uint64(TypeForeignFunction))
	case TypeForeignMember:
		return hashCombine(hashCombine(uint64(v.fnID), uint64(v.foreignID)), uint64(TypeForeignMember))
	case TypeInternalConstKeyHash:
		return v.constHash
	default:
		return 0
	}
}

// keyHash computes the hash used to order a Table's keys array (§3.1, §3.2).
func keyHash(v Value) uint64 {
	if v.typ == TypeInternalConstKeyHash {
		return v.constHash
	}
	return valueHash(v)
}

// keyHashString computes the key hash a runtime string with contents s
// has, the same value keyHash returns for that string.
func keyHashString(s string) uint64 {
	return hashCombine(strHash(s), uint64(TypeString))
}

// valuesEqual implements EQUALS/NOT_EQUALS: any two values compare equal
// iff their value hashes match.
func valuesEqual(a, b Value) bool {
	return valueHash(a) == valueHash(b)
}
