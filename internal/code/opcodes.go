package code

// Opcodes referenced by name. The full set is covered by the mnemonic and
// length tables below.
const (
	OpNop          = 0x00
	OpBipush       = 0x10
	OpSipush       = 0x11
	OpLdc          = 0x12
	OpLdcW         = 0x13
	OpLdc2W        = 0x14
	OpIload        = 0x15
	OpLload        = 0x16
	OpFload        = 0x17
	OpDload        = 0x18
	OpAload        = 0x19
	OpIload0       = 0x1a
	OpAload0       = 0x2a
	OpIstore       = 0x36
	OpLstore       = 0x37
	OpFstore       = 0x38
	OpDstore       = 0x39
	OpAstore       = 0x3a
	OpIstore0      = 0x3b
	OpAstore0      = 0x4b
	OpIinc         = 0x84
	OpIfeq         = 0x99
	OpIfle         = 0x9e
	OpIfICmpEq     = 0x9f
	OpIfACmpNe     = 0xa6
	OpGoto         = 0xa7
	OpJsr          = 0xa8
	OpRet          = 0xa9
	OpTableswitch  = 0xaa
	OpLookupswitch = 0xab
	OpIreturn      = 0xac
	OpLreturn      = 0xad
	OpFreturn      = 0xae
	OpDreturn      = 0xaf
	OpAreturn      = 0xb0
	OpReturn       = 0xb1
	OpGetstatic    = 0xb2
	OpPutstatic    = 0xb3
	OpGetfield     = 0xb4
	OpPutfield     = 0xb5
	OpInvokevirtual   = 0xb6
	OpInvokespecial   = 0xb7
	OpInvokestatic    = 0xb8
	OpInvokeinterface = 0xb9
	OpInvokedynamic   = 0xba
	OpNew          = 0xbb
	OpNewarray     = 0xbc
	OpAnewarray    = 0xbd
	OpAthrow       = 0xbf
	OpCheckcast    = 0xc0
	OpInstanceof   = 0xc1
	OpWide         = 0xc4
	OpMultianewarray = 0xc5
	OpIfnull       = 0xc6
	OpIfnonnull    = 0xc7
	OpGotoW        = 0xc8
	OpJsrW         = 0xc9
)

// mnemonics names every defined opcode; undefined slots stay empty.
var mnemonics = [256]string{
	0x00: "nop", 0x01: "aconst_null", 0x02: "iconst_m1", 0x03: "iconst_0",
	0x04: "iconst_1", 0x05: "iconst_2", 0x06: "iconst_3", 0x07: "iconst_4",
	0x08: "iconst_5", 0x09: "lconst_0", 0x0a: "lconst_1", 0x0b: "fconst_0",
	0x0c: "fconst_1", 0x0d: "fconst_2", 0x0e: "dconst_0", 0x0f: "dconst_1",
	0x10: "bipush", 0x11: "sipush", 0x12: "ldc", 0x13: "ldc_w", 0x14: "ldc2_w",
	0x15: "iload", 0x16: "lload", 0x17: "fload", 0x18: "dload", 0x19: "aload",
	0x1a: "iload_0", 0x1b: "iload_1", 0x1c: "iload_2", 0x1d: "iload_3",
	0x1e: "lload_0", 0x1f: "lload_1", 0x20: "lload_2", 0x21: "lload_3",
	0x22: "fload_0", 0x23: "fload_1", 0x24: "fload_2", 0x25: "fload_3",
	0x26: "dload_0", 0x27: "dload_1", 0x28: "dload_2", 0x29: "dload_3",
	0x2a: "aload_0", 0x2b: "aload_1", 0x2c: "aload_2", 0x2d: "aload_3",
	0x2e: "iaload", 0x2f: "laload", 0x30: "faload", 0x31: "daload",
	0x32: "aaload", 0x33: "baload", 0x34: "caload", 0x35: "saload",
	0x36: "istore", 0x37: "lstore", 0x38: "fstore", 0x39: "dstore", 0x3a: "astore",
	0x3b: "istore_0", 0x3c: "istore_1", 0x3d: "istore_2", 0x3e: "istore_3",
	0x3f: "lstore_0", 0x40: "lstore_1", 0x41: "lstore_2", 0x42: "lstore_3",
	0x43: "fstore_0", 0x44: "fstore_1", 0x45: "fstore_2", 0x46: "fstore_3",
	0x47: "dstore_0", 0x48: "dstore_1", 0x49: "dstore_2", 0x4a: "dstore_3",
	0x4b: "astore_0", 0x4c: "astore_1", 0x4d: "astore_2", 0x4e: "astore_3",
	0x4f: "iastore", 0x50: "lastore", 0x51: "fastore", 0x52: "dastore",
	0x53: "aastore", 0x54: "bastore", 0x55: "castore", 0x56: "sastore",
	0x57: "pop", 0x58: "pop2", 0x59: "dup", 0x5a: "dup_x1", 0x5b: "dup_x2",
	0x5c: "dup2", 0x5d: "dup2_x1", 0x5e: "dup2_x2", 0x5f: "swap",
	0x60: "iadd", 0x61: "ladd", 0x62: "fadd", 0x63: "dadd",
	0x64: "isub", 0x65: "lsub", 0x66: "fsub", 0x67: "dsub",
	0x68: "imul", 0x69: "lmul", 0x6a: "fmul", 0x6b: "dmul",
	0x6c: "idiv", 0x6d: "ldiv", 0x6e: "fdiv", 0x6f: "ddiv",
	0x70: "irem", 0x71: "lrem", 0x72: "frem", 0x73: "drem",
	0x74: "ineg", 0x75: "lneg", 0x76: "fneg", 0x77: "dneg",
	0x78: "ishl", 0x79: "lshl", 0x7a: "ishr", 0x7b: "lshr",
	0x7c: "iushr", 0x7d: "lushr", 0x7e: "iand", 0x7f: "land",
	0x80: "ior", 0x81: "lor", 0x82: "ixor", 0x83: "lxor", 0x84: "iinc",
	0x85: "i2l", 0x86: "i2f", 0x87: "i2d", 0x88: "l2i", 0x89: "l2f",
	0x8a: "l2d", 0x8b: "f2i", 0x8c: "f2l", 0x8d: "f2d", 0x8e: "d2i",
	0x8f: "d2l", 0x90: "d2f", 0x91: "i2b", 0x92: "i2c", 0x93: "i2s",
	0x94: "lcmp", 0x95: "fcmpl", 0x96: "fcmpg", 0x97: "dcmpl", 0x98: "dcmpg",
	0x99: "ifeq", 0x9a: "ifne", 0x9b: "iflt", 0x9c: "ifge", 0x9d: "ifgt",
	0x9e: "ifle", 0x9f: "if_icmpeq", 0xa0: "if_icmpne", 0xa1: "if_icmplt",
	0xa2: "if_icmpge", 0xa3: "if_icmpgt", 0xa4: "if_icmple",
	0xa5: "if_acmpeq", 0xa6: "if_acmpne", 0xa7: "goto", 0xa8: "jsr",
	0xa9: "ret", 0xaa: "tableswitch", 0xab: "lookupswitch",
	0xac: "ireturn", 0xad: "lreturn", 0xae: "freturn", 0xaf: "dreturn",
	0xb0: "areturn", 0xb1: "return",
	0xb2: "getstatic", 0xb3: "putstatic", 0xb4: "getfield", 0xb5: "putfield",
	0xb6: "invokevirtual", 0xb7: "invokespecial", 0xb8: "invokestatic",
	0xb9: "invokeinterface", 0xba: "invokedynamic",
	0xbb: "new", 0xbc: "newarray", 0xbd: "anewarray", 0xbe: "arraylength",
	0xbf: "athrow", 0xc0: "checkcast", 0xc1: "instanceof",
	0xc2: "monitorenter", 0xc3: "monitorexit", 0xc4: "wide",
	0xc5: "multianewarray", 0xc6: "ifnull", 0xc7: "ifnonnull",
	0xc8: "goto_w", 0xc9: "jsr_w",
}

// Mnemonic returns the instruction name for an opcode, or "op(0xNN)" for an
// undefined one.
func Mnemonic(op byte) string {
	if m := mnemonics[op]; m != "" {
		return m
	}
	return "op(0x" + hexByte(op) + ")"
}

func hexByte(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0x0f]})
}

// fixedLen gives the encoded length of every fixed-length opcode, 0 for
// undefined opcodes, and -1 for the variable-length ones (tableswitch,
// lookupswitch, wide).
var fixedLen = [256]int8{}

func init() {
	for op := 0x00; op <= 0xc9; op++ {
		fixedLen[op] = 1
	}
	for _, op := range []byte{
		OpBipush, OpLdc, OpIload, OpLload, OpFload, OpDload, OpAload,
		OpIstore, OpLstore, OpFstore, OpDstore, OpAstore, OpRet, OpNewarray,
	} {
		fixedLen[op] = 2
	}
	for _, op := range []byte{
		OpSipush, OpLdcW, OpLdc2W, OpIinc,
		OpGetstatic, OpPutstatic, OpGetfield, OpPutfield,
		OpInvokevirtual, OpInvokespecial, OpInvokestatic,
		OpNew, OpAnewarray, OpCheckcast, OpInstanceof,
	} {
		fixedLen[op] = 3
	}
	for op := OpIfeq; op <= OpJsr; op++ { // all short branches
		fixedLen[op] = 3
	}
	fixedLen[OpIfnull] = 3
	fixedLen[OpIfnonnull] = 3
	fixedLen[OpMultianewarray] = 4
	fixedLen[OpInvokeinterface] = 5
	fixedLen[OpInvokedynamic] = 5
	fixedLen[OpGotoW] = 5
	fixedLen[OpJsrW] = 5
	fixedLen[OpTableswitch] = -1
	fixedLen[OpLookupswitch] = -1
	fixedLen[OpWide] = -1
}

// isBranch reports whether the opcode is a relative branch (short or wide
// form), excluding switches.
func isBranch(op byte) bool {
	return (op >= OpIfeq && op <= OpJsr) || op == OpIfnull || op == OpIfnonnull ||
		op == OpGotoW || op == OpJsrW
}

// isWideBranch reports a branch with a 32-bit offset.
func isWideBranch(op byte) bool {
	return op == OpGotoW || op == OpJsrW
}

// isReturn reports the return family, excluding athrow.
func isReturn(op byte) bool {
	return op >= OpIreturn && op <= OpReturn
}

// slotKind classifies opcodes that reference a local slot.
type slotKind uint8

const (
	slotNone slotKind = iota
	slotLoad          // iload..aload, explicit index byte
	slotStore
	slotLoadShort  // iload_0..aload_3, implicit index
	slotStoreShort // istore_0..astore_3, implicit index
	slotIinc
	slotRet
	slotWidePrefix
)

func classifySlot(op byte) slotKind {
	switch {
	case op >= OpIload && op <= OpAload:
		return slotLoad
	case op >= OpIstore && op <= OpAstore:
		return slotStore
	case op >= OpIload0 && op <= 0x2d:
		return slotLoadShort
	case op >= OpIstore0 && op <= 0x4e:
		return slotStoreShort
	case op == OpIinc:
		return slotIinc
	case op == OpRet:
		return slotRet
	case op == OpWide:
		return slotWidePrefix
	}
	return slotNone
}

// slotWidth returns how many local slots the referenced value occupies for
// a load/store opcode in any of its forms (2 for the long/double variants).
func slotWidth(op byte) int {
	switch {
	case op == OpLload || op == OpDload || op == OpLstore || op == OpDstore:
		return 2
	case op >= 0x1e && op <= 0x21: // lload_n
		return 2
	case op >= 0x26 && op <= 0x29: // dload_n
		return 2
	case op >= 0x3f && op <= 0x42: // lstore_n
		return 2
	case op >= 0x47 && op <= 0x4a: // dstore_n
		return 2
	}
	return 1
}
