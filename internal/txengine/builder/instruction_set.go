package builder

import (
	"github.com/gagliardetto/solana-go"
)

// InstructionSet accumulates the business instructions of one logical
// operation. Cleanup instructions are kept separately and emitted in reverse
// registration order, so resources are released opposite to how they were
// acquired (close an ATA after the transfer that drained it, unwrap SOL last).
type InstructionSet struct {
	instructions []solana.Instruction
	cleanup      []solana.Instruction
	signers      []solana.PrivateKey
	seen         map[solana.PublicKey]struct{}
}

func NewInstructionSet() *InstructionSet {
	return &InstructionSet{
		seen: make(map[solana.PublicKey]struct{}),
	}
}

// AddInstruction appends one or more instructions to the main body.
func (s *InstructionSet) AddInstruction(instructions ...solana.Instruction) *InstructionSet {
	s.instructions = append(s.instructions, instructions...)
	return s
}

// AddCleanup registers an instruction to run at the end of the transaction.
// Cleanup instructions execute in reverse registration order.
func (s *InstructionSet) AddCleanup(instructions ...solana.Instruction) *InstructionSet {
	s.cleanup = append(s.cleanup, instructions...)
	return s
}

// AddSigner registers an additional signer. Duplicate public keys are
// ignored, keeping the first registration.
func (s *InstructionSet) AddSigner(signers ...solana.PrivateKey) *InstructionSet {
	for _, signer := range signers {
		key := signer.PublicKey()
		if _, ok := s.seen[key]; ok {
			continue
		}
		s.seen[key] = struct{}{}
		s.signers = append(s.signers, signer)
	}
	return s
}

// Signers returns the deduplicated additional signers in registration order.
func (s *InstructionSet) Signers() []solana.PrivateKey {
	return s.signers
}

// Len reports the total number of instructions, cleanup included.
func (s *InstructionSet) Len() int {
	return len(s.instructions) + len(s.cleanup)
}

// Compile flattens the set into final execution order: the main body followed
// by the cleanup instructions reversed.
func (s *InstructionSet) Compile() []solana.Instruction {
	compiled := make([]solana.Instruction, 0, s.Len())
	compiled = append(compiled, s.instructions...)
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		compiled = append(compiled, s.cleanup[i])
	}
	return compiled
}
