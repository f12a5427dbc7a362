package bytecode

// Op enumerates every instruction tag in spec.md §3. Go has no tagged
// unions, so Instruction carries one Op plus whichever operand fields
// that Op actually uses; constructors below keep call sites honest about
// which fields are meaningful for a given Op.
type Op int

const (
	OpPushInt Op = iota
	OpPushFloat
	OpPushChar
	OpPushString
	OpPushArray

	OpLoadToStack
	OpStoreInMap

	OpAddInt
	OpSubInt
	OpMulInt
	OpDivInt
	OpMod

	OpAddFloat
	OpSubFloat
	OpMulFloat
	OpDivFloat

	OpAppend
	OpPop
	OpGetByIndex
	OpSetByIndex

	OpConcat

	OpEqual
	OpNotEqual
	OpAnd
	OpOr

	OpLessInt
	OpLessEqualInt
	OpGreaterInt
	OpGreaterEqualInt

	OpLessFloat
	OpLessEqualFloat
	OpGreaterFloat
	OpGreaterEqualFloat

	OpJump
	OpJumpIfTrue
	OpJumpIfFalse

	OpFunc
	OpEndFunc
	OpCall
	OpReturn

	OpStruct
	OpEndStruct
	OpNewStruct
	OpField
	OpSetField
	OpGetField

	OpPrint
	OpPrintln

	OpHalt
)

// Instruction is one entry of a Program. Target is the absolute index
// used by Jump/JumpIfTrue/JumpIfFalse. Name carries the identifier for
// LoadToStack/StoreInMap/Func/Call/Struct/Field/SetField/GetField/
// NewStruct. IntVal/FloatVal/CharVal/StrVal/Default carry literal
// operands for the push-* opcodes and Field's declared default.
type Instruction struct {
	Op       Op
	Name     string
	Target   int
	IntVal   int64
	FloatVal float64
	CharVal  rune
	StrVal   string
	Default  Value

	// DefaultKind is set only on Field instructions. Primitive field
	// defaults are fully carried by Default; reference-typed fields
	// (String/Array/Custom) cannot be, since a Ref needs a live heap to
	// point into, so DefaultKind tells NewStruct what fresh object to
	// allocate instead: "String", "Array", or "Custom:<StructName>".
	DefaultKind string
}

// Program is the VM's ground-truth linear instruction stream. Jump
// targets are absolute indices into whichever Program currently holds
// them.
type Program []Instruction

func PushInt(v int64) Instruction      { return Instruction{Op: OpPushInt, IntVal: v} }
func PushFloat(v float64) Instruction  { return Instruction{Op: OpPushFloat, FloatVal: v} }
func PushChar(v rune) Instruction      { return Instruction{Op: OpPushChar, CharVal: v} }
func PushString(v string) Instruction  { return Instruction{Op: OpPushString, StrVal: v} }
func PushArray() Instruction           { return Instruction{Op: OpPushArray} }

func LoadToStack(name string) Instruction { return Instruction{Op: OpLoadToStack, Name: name} }
func StoreInMap(name string) Instruction  { return Instruction{Op: OpStoreInMap, Name: name} }

func Jump(target int) Instruction        { return Instruction{Op: OpJump, Target: target} }
func JumpIfTrue(target int) Instruction  { return Instruction{Op: OpJumpIfTrue, Target: target} }
func JumpIfFalse(target int) Instruction { return Instruction{Op: OpJumpIfFalse, Target: target} }

func Func(name string) Instruction { return Instruction{Op: OpFunc, Name: name} }
func EndFunc() Instruction         { return Instruction{Op: OpEndFunc} }
func Call(name string) Instruction { return Instruction{Op: OpCall, Name: name} }
func Return() Instruction          { return Instruction{Op: OpReturn} }

func StructStart(name string) Instruction { return Instruction{Op: OpStruct, Name: name} }
func EndStruct() Instruction              { return Instruction{Op: OpEndStruct} }
func NewStruct(name string) Instruction   { return Instruction{Op: OpNewStruct, Name: name} }
func Field(name string, def Value, defaultKind string) Instruction {
	return Instruction{Op: OpField, Name: name, Default: def, DefaultKind: defaultKind}
}
func SetField(name string) Instruction { return Instruction{Op: OpSetField, Name: name} }
func GetField(name string) Instruction { return Instruction{Op: OpGetField, Name: name} }

func Print() Instruction   { return Instruction{Op: OpPrint} }
func Println() Instruction { return Instruction{Op: OpPrintln} }
func Halt() Instruction    { return Instruction{Op: OpHalt} }

// IsJump reports whether an instruction carries an absolute Target that
// code-patching (optimizer output, hotswap) must keep valid.
func (ins Instruction) IsJump() bool {
	switch ins.Op {
	case OpJump, OpJumpIfTrue, OpJumpIfFalse:
		return true
	}
	return false
}

// IsPushLiteral reports whether an instruction pushes a constant operand
// with no side effect beyond the push — used by the peephole pass.
func (ins Instruction) IsPushLiteral() bool {
	switch ins.Op {
	case OpPushInt, OpPushFloat, OpPushChar, OpPushString:
		return true
	}
	return false
}
