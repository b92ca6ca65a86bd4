package verify

// stackEffects gives the fixed pop/push counts, in stack units, for every
// opcode whose effect does not depend on the constant pool. Field access,
// invocations, and multianewarray are computed from their operands instead.
type stackEffect struct {
	valid     uint8
	pop, push int8
}

func eff(pop, push int8) stackEffect { return stackEffect{valid: 1, pop: pop, push: push} }

var stackEffects = [256]stackEffect{
	0x00: eff(0, 0), // nop
	0x01: eff(0, 1), // aconst_null
	0x02: eff(0, 1), 0x03: eff(0, 1), 0x04: eff(0, 1), 0x05: eff(0, 1), // iconst
	0x06: eff(0, 1), 0x07: eff(0, 1), 0x08: eff(0, 1),
	0x09: eff(0, 2), 0x0a: eff(0, 2), // lconst
	0x0b: eff(0, 1), 0x0c: eff(0, 1), 0x0d: eff(0, 1), // fconst
	0x0e: eff(0, 2), 0x0f: eff(0, 2), // dconst
	0x10: eff(0, 1), 0x11: eff(0, 1), // bipush sipush
	0x12: eff(0, 1), 0x13: eff(0, 1), 0x14: eff(0, 2), // ldc ldc_w ldc2_w
	0x15: eff(0, 1), 0x16: eff(0, 2), 0x17: eff(0, 1), 0x18: eff(0, 2), 0x19: eff(0, 1), // loads
	0x1a: eff(0, 1), 0x1b: eff(0, 1), 0x1c: eff(0, 1), 0x1d: eff(0, 1), // iload_n
	0x1e: eff(0, 2), 0x1f: eff(0, 2), 0x20: eff(0, 2), 0x21: eff(0, 2), // lload_n
	0x22: eff(0, 1), 0x23: eff(0, 1), 0x24: eff(0, 1), 0x25: eff(0, 1), // fload_n
	0x26: eff(0, 2), 0x27: eff(0, 2), 0x28: eff(0, 2), 0x29: eff(0, 2), // dload_n
	0x2a: eff(0, 1), 0x2b: eff(0, 1), 0x2c: eff(0, 1), 0x2d: eff(0, 1), // aload_n
	0x2e: eff(2, 1), 0x2f: eff(2, 2), 0x30: eff(2, 1), 0x31: eff(2, 2), // array loads
	0x32: eff(2, 1), 0x33: eff(2, 1), 0x34: eff(2, 1), 0x35: eff(2, 1),
	0x36: eff(1, 0), 0x37: eff(2, 0), 0x38: eff(1, 0), 0x39: eff(2, 0), 0x3a: eff(1, 0), // stores
	0x3b: eff(1, 0), 0x3c: eff(1, 0), 0x3d: eff(1, 0), 0x3e: eff(1, 0), // istore_n
	0x3f: eff(2, 0), 0x40: eff(2, 0), 0x41: eff(2, 0), 0x42: eff(2, 0), // lstore_n
	0x43: eff(1, 0), 0x44: eff(1, 0), 0x45: eff(1, 0), 0x46: eff(1, 0), // fstore_n
	0x47: eff(2, 0), 0x48: eff(2, 0), 0x49: eff(2, 0), 0x4a: eff(2, 0), // dstore_n
	0x4b: eff(1, 0), 0x4c: eff(1, 0), 0x4d: eff(1, 0), 0x4e: eff(1, 0), // astore_n
	0x4f: eff(3, 0), 0x50: eff(4, 0), 0x51: eff(3, 0), 0x52: eff(4, 0), // array stores
	0x53: eff(3, 0), 0x54: eff(3, 0), 0x55: eff(3, 0), 0x56: eff(3, 0),
	0x57: eff(1, 0), 0x58: eff(2, 0), // pop pop2
	0x59: eff(1, 2), 0x5a: eff(2, 3), 0x5b: eff(3, 4), // dup family
	0x5c: eff(2, 4), 0x5d: eff(3, 5), 0x5e: eff(4, 6),
	0x5f: eff(2, 2), // swap
	0x60: eff(2, 1), 0x61: eff(4, 2), 0x62: eff(2, 1), 0x63: eff(4, 2), // add
	0x64: eff(2, 1), 0x65: eff(4, 2), 0x66: eff(2, 1), 0x67: eff(4, 2), // sub
	0x68: eff(2, 1), 0x69: eff(4, 2), 0x6a: eff(2, 1), 0x6b: eff(4, 2), // mul
	0x6c: eff(2, 1), 0x6d: eff(4, 2), 0x6e: eff(2, 1), 0x6f: eff(4, 2), // div
	0x70: eff(2, 1), 0x71: eff(4, 2), 0x72: eff(2, 1), 0x73: eff(4, 2), // rem
	0x74: eff(1, 1), 0x75: eff(2, 2), 0x76: eff(1, 1), 0x77: eff(2, 2), // neg
	0x78: eff(2, 1), 0x79: eff(3, 2), 0x7a: eff(2, 1), 0x7b: eff(3, 2), // shl shr
	0x7c: eff(2, 1), 0x7d: eff(3, 2), // ushr
	0x7e: eff(2, 1), 0x7f: eff(4, 2), 0x80: eff(2, 1), 0x81: eff(4, 2), // and or
	0x82: eff(2, 1), 0x83: eff(4, 2), // xor
	0x84: eff(0, 0), // iinc
	0x85: eff(1, 2), 0x86: eff(1, 1), 0x87: eff(1, 2), // i2l i2f i2d
	0x88: eff(2, 1), 0x89: eff(2, 1), 0x8a: eff(2, 2), // l2i l2f l2d
	0x8b: eff(1, 1), 0x8c: eff(1, 2), 0x8d: eff(1, 2), // f2i f2l f2d
	0x8e: eff(2, 1), 0x8f: eff(2, 2), 0x90: eff(2, 1), // d2i d2l d2f
	0x91: eff(1, 1), 0x92: eff(1, 1), 0x93: eff(1, 1), // i2b i2c i2s
	0x94: eff(4, 1), // lcmp
	0x95: eff(2, 1), 0x96: eff(2, 1), 0x97: eff(4, 1), 0x98: eff(4, 1), // fcmp dcmp
	0x99: eff(1, 0), 0x9a: eff(1, 0), 0x9b: eff(1, 0), // if<cond>
	0x9c: eff(1, 0), 0x9d: eff(1, 0), 0x9e: eff(1, 0),
	0x9f: eff(2, 0), 0xa0: eff(2, 0), 0xa1: eff(2, 0), // if_icmp
	0xa2: eff(2, 0), 0xa3: eff(2, 0), 0xa4: eff(2, 0),
	0xa5: eff(2, 0), 0xa6: eff(2, 0), // if_acmp
	0xa7: eff(0, 0), // goto
	0xa8: eff(0, 0), // jsr; the pushed return address lands at the target
	0xa9: eff(0, 0), // ret
	0xaa: eff(1, 0), 0xab: eff(1, 0), // switches
	0xac: eff(1, 0), 0xad: eff(2, 0), 0xae: eff(1, 0), // returns
	0xaf: eff(2, 0), 0xb0: eff(1, 0), 0xb1: eff(0, 0),
	0xbb: eff(0, 1), // new
	0xbc: eff(1, 1), 0xbd: eff(1, 1), // newarray anewarray
	0xbe: eff(1, 1), // arraylength
	0xbf: eff(1, 0), // athrow
	0xc0: eff(1, 1), 0xc1: eff(1, 1), // checkcast instanceof
	0xc2: eff(1, 0), 0xc3: eff(1, 0), // monitorenter monitorexit
	0xc6: eff(1, 0), 0xc7: eff(1, 0), // ifnull ifnonnull
	0xc8: eff(0, 0), 0xc9: eff(0, 0), // goto_w jsr_w
}
