package amd64

// REX Prefix Constants
const (
	X86_REX   = 0x40
	X86_REX_W = 0x08 // 64-bit operand size
	X86_REX_R = 0x04 // extension of ModRM reg
	X86_REX_X = 0x02 // extension of SIB index
	X86_REX_B = 0x01 // extension of ModRM r/m, SIB base or opcode reg
)

// ModRM Mode Constants
const (
	X86_MOD_INDIRECT_DISP32 = 0x02
	X86_MOD_REGISTER        = 0x03
	X86_RM_SIB              = 0x04
	X86_SIB_NO_INDEX        = 0x04
)

// Legacy prefixes
const (
	X86_PREFIX_66 = 0x66
	X86_PREFIX_F2 = 0xF2
	X86_PREFIX_F3 = 0xF3
)

// Primary Opcodes
const (
	X86_OP_ADD_RM_R        = 0x01
	X86_OP_OR_RM_R         = 0x09
	X86_OP_AND_RM_R        = 0x21
	X86_OP_SUB_RM_R        = 0x29
	X86_OP_XOR_RM_R        = 0x31
	X86_OP_CMP_RM_R        = 0x39
	X86_OP_PUSH_R          = 0x50
	X86_OP_POP_R           = 0x58
	X86_OP_MOVSXD          = 0x63
	X86_OP_GROUP1_RM_IMM32 = 0x81
	X86_OP_TEST_RM_R       = 0x85
	X86_OP_MOV_RM8_R8      = 0x88
	X86_OP_MOV_RM_R        = 0x89
	X86_OP_MOV_R_RM        = 0x8B
	X86_OP_CDQ             = 0x99
	X86_OP_MOV_R_IMM       = 0xB8
	X86_OP_GROUP2_RM_IMM8  = 0xC1
	X86_OP_RET             = 0xC3
	X86_OP_MOV_RM_IMM      = 0xC7
	X86_OP_GROUP2_RM_CL    = 0xD3
	X86_OP_JMP_REL32       = 0xE9
	X86_OP_GROUP3_RM       = 0xF7
)

// Two-byte opcodes, after the 0x0F escape
const (
	X86_OP2_ESCAPE   = 0x0F
	X86_OP2_CMOVCC   = 0x40
	X86_OP2_JCC      = 0x80
	X86_OP2_SETCC    = 0x90
	X86_OP2_IMUL_R   = 0xAF
	X86_OP2_MOVZX_B  = 0xB6
	X86_OP2_MOVZX_W  = 0xB7
	X86_OP2_BSR      = 0xBD
	X86_OP2_MOVSX_B  = 0xBE
	X86_OP2_MOVSX_W  = 0xBF
	X86_OP2_BSWAP    = 0xC8
	X86_OP2_MOVDQ_LD = 0x6F
	X86_OP2_MOVDQ_ST = 0x7F
	X86_OP2_MOVD_X_R = 0x6E
	X86_OP2_MOVD_R_X = 0x7E
	X86_OP2_MOVQ_X_X = 0x7E // with F3
)

// Group 1 /digit extensions
const (
	X86_EXT_ADD = 0
	X86_EXT_OR  = 1
	X86_EXT_AND = 4
	X86_EXT_SUB = 5
	X86_EXT_CMP = 7
)

// Group 2 /digit extensions
const (
	X86_EXT_ROL = 0
	X86_EXT_ROR = 1
	X86_EXT_SHL = 4
	X86_EXT_SHR = 5
	X86_EXT_SAR = 7
)

// Group 3 /digit extensions
const (
	X86_EXT_TEST = 0
	X86_EXT_NOT  = 2
	X86_EXT_NEG  = 3
	X86_EXT_MUL  = 4
	X86_EXT_IMUL = 5
	X86_EXT_DIV  = 6
	X86_EXT_IDIV = 7
)

// Condition codes for Jcc/SETcc/CMOVcc
const (
	X86_CC_B  = 0x2
	X86_CC_AE = 0x3
	X86_CC_E  = 0x4
	X86_CC_NE = 0x5
	X86_CC_BE = 0x6
	X86_CC_A  = 0x7
	X86_CC_L  = 0xC
	X86_CC_GE = 0xD
	X86_CC_LE = 0xE
	X86_CC_G  = 0xF
)
