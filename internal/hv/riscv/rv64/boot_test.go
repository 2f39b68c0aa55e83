package rv64

import (
	"bytes"
	"fmt"
	"testing"
)

func (cpu *CPU) DumpRegisters() string {
	var buf bytes.Buffer

	// ABI register names
	regNames := []string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0/fp", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}

	fmt.Fprintf(&buf, "PC:   0x%016x\n", cpu.PC)
	fmt.Fprintf(&buf, "Priv: %d (", cpu.Priv)
	switch cpu.Priv {
	case PrivMachine:
		buf.WriteString("M-mode)")
	case PrivSupervisor:
		buf.WriteString("S-mode)")
	case PrivUser:
		buf.WriteString("U-mode)")
	default:
		buf.WriteString("unknown)")
	}
	buf.WriteString("\n\n")

	// Integer registers
	fmt.Fprintf(&buf, "Integer Registers:\n")
	for i := 0; i < 32; i += 4 {
		for j := 0; j < 4; j++ {
			reg := i + j
			fmt.Fprintf(&buf, "x%-2d(%-5s) = 0x%016x  ", reg, regNames[reg], cpu.X[reg])
		}
		buf.WriteString("\n")
	}

	// Key CSRs
	fmt.Fprintf(&buf, "\nKey CSRs:\n")
	fmt.Fprintf(&buf, "mstatus:  0x%016x  mtvec:    0x%016x\n", cpu.Mstatus, cpu.Mtvec)
	fmt.Fprintf(&buf, "mepc:     0x%016x  mcause:   0x%016x\n", cpu.Mepc, cpu.Mcause)
	fmt.Fprintf(&buf, "mtval:    0x%016x  mie:      0x%016x\n", cpu.Mtval, cpu.Mie)
	fmt.Fprintf(&buf, "mip:      0x%016x  mideleg:  0x%016x\n", cpu.Mip, cpu.Mideleg)
	fmt.Fprintf(&buf, "medeleg:  0x%016x  mscratch: 0x%016x\n", cpu.Medeleg, cpu.Mscratch)
	fmt.Fprintf(&buf, "sstatus:  0x%016x  stvec:    0x%016x\n", cpu.readSstatus(), cpu.Stvec)
	fmt.Fprintf(&buf, "sepc:     0x%016x  scause:   0x%016x\n", cpu.Sepc, cpu.Scause)
	fmt.Fprintf(&buf, "stval:    0x%016x  satp:     0x%016x\n", cpu.Stval, cpu.Satp)
	fmt.Fprintf(&buf, "sscratch: 0x%016x\n", cpu.Sscratch)
	fmt.Fprintf(&buf, "cycle:    %d  instret:  %d\n", cpu.Cycle, cpu.Instret)

	return buf.String()
}

// TestSupervisorBoot boots a small bare-metal supervisor image the same way
// a kernel would be booted: loaded at the standard RISC-V load address with
// a0 = hart id and a1 pointing at a generated FDT, entered in S-mode via
// SetupForLinux. The image checks the FDT magic, prints a byte through the
// SBI legacy console, arms the timer through the TIME extension, and shuts
// the machine down through SRST.
func TestSupervisorBoot(t *testing.T) {
	consoleOutput := &bytes.Buffer{}

	m := NewMachine(64*1024*1024, consoleOutput, nil)

	kernelBase := uint64(0x80200000)
	dtbBase := uint64(0x82000000)

	// a1 holds the DTB pointer; the first FDT word is the big-endian magic
	// 0xd00dfeed, which a little-endian lw sees as 0xedfe0dd0.
	code := []uint32{
		0x0005A283, // lw   t0, 0(a1)
		0xEDFE1337, // lui  t1, 0xedfe1
		0xDD030313, // addi t1, t1, -0x230     ; t1 = sext(0xedfe0dd0)
		0x02629C63, // bne  t0, t1, fail
		0x00100893, // li   a7, 1              ; legacy console putchar
		0x04200513, // li   a0, 'B'
		0x00000073, // ecall
		0x544958B7, // lui  a7, 0x54495
		0xD4588893, // addi a7, a7, -0x2bb     ; a7 = 0x54494d45 "TIME"
		0x00000813, // li   a6, 0              ; set_timer
		0x00010537, // lui  a0, 0x10
		0x00000073, // ecall
		0x535258B7, // lui  a7, 0x53525
		0x35488893, // addi a7, a7, 0x354      ; a7 = 0x53525354 "SRST"
		0x00000813, // li   a6, 0
		0x00000513, // li   a0, 0
		0x00000073, // ecall                   ; system reset halts the machine
		0x0000006F, // fail: j fail
	}

	image := make([]byte, len(code)*4)
	for i, insn := range code {
		image[i*4] = byte(insn)
		image[i*4+1] = byte(insn >> 8)
		image[i*4+2] = byte(insn >> 16)
		image[i*4+3] = byte(insn >> 24)
	}
	if err := m.LoadBytes(kernelBase, image); err != nil {
		t.Fatalf("Load image: %v", err)
	}

	fdt := GenerateFDT(m, "console=ttyS0")
	if err := m.LoadBytes(dtbBase, fdt); err != nil {
		t.Fatalf("Load FDT: %v", err)
	}

	m.SetupForLinux(0, dtbBase, kernelBase)

	if m.CPU.Priv != PrivSupervisor {
		t.Fatalf("expected S-mode entry, got priv %d", m.CPU.Priv)
	}
	if m.CPU.X[11] != dtbBase {
		t.Fatalf("a1 = 0x%x, want dtb at 0x%x", m.CPU.X[11], dtbBase)
	}

	var stepErr error
	failPC := kernelBase + uint64(len(code)-1)*4
	for i := 0; i < 1000; i++ {
		if m.CPU.PC == failPC {
			t.Log("\n" + m.CPU.DumpRegisters())
			t.Fatalf("guest took the FDT-magic failure branch: t0=0x%x", m.CPU.X[5])
		}
		if stepErr = m.Step(); stepErr != nil {
			break
		}
	}

	if stepErr != ErrHalt {
		t.Log("\n" + m.CPU.DumpRegisters())
		t.Fatalf("expected SRST halt, got %v", stepErr)
	}
	if got := consoleOutput.String(); got != "B" {
		t.Errorf("console output = %q, want %q", got, "B")
	}
	timecmp, err := m.CLINT.Read(CLINTMtimecmp, 8)
	if err != nil {
		t.Fatalf("read mtimecmp: %v", err)
	}
	if timecmp != 0x10000 {
		t.Errorf("mtimecmp = 0x%x, want 0x10000 from set_timer", timecmp)
	}
}
