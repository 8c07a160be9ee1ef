// Command whdanalyze decodes Saleae binary digital captures of gSPI
// traffic into a line-per-command transaction log, using the same
// command-word layout transport/picospi speaks to real hardware. The
// busy/wake traces produced by internal/busdebug.Export carry no command
// words and are not decoded by this tool.
package main

import (
	"bytes"
	"encoding/binary"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/soypat/saleae"
	"github.com/soypat/saleae/analyzers"
)

var timingsOutput string

// busCtl holds the decode options for one run, mirroring the bit
// layout transport/picospi.cmdWord produces.
type busCtl struct {
	Order           binary.ByteOrder
	WordInterpreter binary.ByteOrder
	TrimForce       uint
	TrimStatus      bool
	OmitReadData    bool
	OmitRead        bool
	OmitWrite       bool
	OmitIneffectual bool
	PadDataToWord   bool
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "whdanalyze - decode Saleae digital captures of gSPI traffic.\n\tUsage:\n")
		flag.PrintDefaults()
	}
	sdio := flag.String("f-sd", "digital_1.bin", "Input filename: SPI SDIO data.")
	enable := flag.String("f-cs", "digital_0.bin", "Input filename: SPI CS data.")
	clk := flag.String("f-clk", "digital_2.bin", "Input filename: SPI clock data.")
	output := flag.String("o-cmd", "commands.txt", "Output filename for the decoded command log.")

	flag.StringVar(&timingsOutput, "o-time", "", "Write per-command timestamps to this file, line-by-line matching the command log.")
	const defaultOrdering = "le"
	flagInterpretWords := flag.String("interpret-words", "", "Interpret payload bytes as uint32 words in this order. Accepts 'be' or 'le'; defaults to -bus-order.")
	flagBusOrder := flag.String("bus-order", defaultOrdering, "Byte order the command word itself is captured in.")
	flagTrimStatus := flag.Bool("trim-stat", false, "Trim the trailing status word backplane reads carry.")
	flagTrimForce := flag.Uint("trim-force", 0, "Trim n bytes off the end of every decoded command's data.")
	omitReadData := flag.Bool("omit-read-data", false, "Omit read command payloads from the output.")
	omitReadAll := flag.Bool("omit-read", false, "Omit read commands entirely.")
	omitWriteAll := flag.Bool("omit-write", false, "Omit write commands entirely.")
	omitIneffectual := flag.Bool("omit-inef", false, "Omit data captured past the command's declared size.")
	padDataToWord := flag.Bool("pad-data", false, "Pad data to a 4-byte word boundary.")
	flag.Parse()
	if *flagInterpretWords == "" {
		*flagInterpretWords = *flagBusOrder
	}
	getOrder := func(s string) binary.ByteOrder {
		switch s {
		case "be":
			return binary.BigEndian
		case "le":
			return binary.LittleEndian
		}
		log.Fatal("invalid byte order: ", s)
		return nil
	}
	bus := busCtl{
		Order:           getOrder(*flagBusOrder),
		WordInterpreter: getOrder(*flagInterpretWords),
		TrimForce:       *flagTrimForce,
		TrimStatus:      *flagTrimStatus,
		OmitReadData:    *omitReadData,
		OmitRead:        *omitReadAll,
		OmitWrite:       *omitWriteAll,
		PadDataToWord:   *padDataToWord,
		OmitIneffectual: *omitIneffectual,
	}
	if bus.OmitRead && bus.OmitWrite {
		log.Fatal("cannot omit both read and write commands")
	}
	start := time.Now()
	if err := bus.run(*sdio, *enable, *clk, *output); err != nil {
		log.Fatal(err.Error())
	}
	log.Println("finished in", time.Since(start))
}

func (bus *busCtl) run(sdio, enable, clk, output string) error {
	const fmtMsg = "cmd×%2d %s data=%#x"
	commands, err := bus.processSPIFiles(sdio, clk, enable)
	if err != nil {
		return err
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()

	var timings *os.File
	if timingsOutput != "" {
		timings, err = os.Create(timingsOutput)
		if err != nil {
			return err
		}
		defer timings.Close()
	}

	for _, action := range commands {
		if (bus.OmitRead && !action.Cmd.Write) || (bus.OmitWrite && action.Cmd.Write) {
			continue
		} else if bus.OmitReadData && !action.Cmd.Write {
			action.Data = []byte{}
		} else if bus.PadDataToWord && len(action.Data)%4 != 0 {
			unpadded := len(action.Data) - len(action.Data)%4
			data := append([]byte{}, action.Data[:unpadded]...)
			if bus.WordInterpreter == binary.BigEndian {
				data = append(data, make([]byte, 4-len(action.Data)%4)...)
				action.Data = append(data, action.Data[unpadded:]...)
			} else {
				data = append(action.Data[unpadded:], data...)
				action.Data = append(data, make([]byte, 4-len(action.Data)%4)...)
			}
		}
		if bus.OmitIneffectual && action.Cmd.Size < uint32(len(action.Data)) {
			action.Data = action.Data[:action.Cmd.Size]
		}
		if action.Cmd.Size < uint32(len(action.Data)) {
			fmt.Fprintf(fp, fmtMsg, action.Num, action.Cmd.String(), action.Data[:action.Cmd.Size])
			_, err = fmt.Fprintf(fp, " %x", action.Data[action.Cmd.Size:])
		} else {
			_, err = fmt.Fprintf(fp, fmtMsg, action.Num, action.Cmd.String(), action.Data)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(fp)
		if timings != nil {
			fmt.Fprintf(timings, "t=%f\tdata=%#x\n", action.Start, action.Data)
		}
	}
	return nil
}

func (bus *busCtl) processSPIFiles(fsdio, fclk, fenable string) ([]transaction, error) {
	sdio, err := openDigital(fsdio)
	if err != nil {
		return nil, err
	}
	clk, err := openDigital(fclk)
	if err != nil {
		return nil, err
	}
	enable, err := openDigital(fenable)
	if err != nil {
		return nil, err
	}
	spi := analyzers.SPI{}
	txs, _ := spi.Scan(clk, enable, sdio, sdio)
	return bus.process(txs), nil
}

func openDigital(filename string) (*saleae.DigitalFile, error) {
	fp, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return saleae.ReadDigitalFile(fp)
}

// gspiFunction is the two-bit function field transport/picospi's
// cmdWord packs into bits 28-29, matching the CYW43439's F0/F1/F2 split.
type gspiFunction uint32

const (
	gspiFuncBus       gspiFunction = 0b00
	gspiFuncBackplane gspiFunction = 0b01
	gspiFuncWLAN      gspiFunction = 0b10
	gspiFuncInvalid   gspiFunction = 0b111011110111
)

func (f gspiFunction) String() string {
	switch f {
	case gspiFuncBus:
		return "bus"
	case gspiFuncBackplane:
		return "backplane"
	case gspiFuncWLAN:
		return "wlan"
	case gspiFuncInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type gspiCommand struct {
	Write   bool
	AutoInc bool
	Fn      gspiFunction
	Addr    uint32
	Size    uint32
}

func (cmd *gspiCommand) String() string {
	return fmt.Sprintf("addr=%#7x  fn=%9s  sz=%4v write=%5v autoinc=%5v",
		cmd.Addr, cmd.Fn.String(), cmd.Size, cmd.Write, cmd.AutoInc)
}

// commandFromBytes decodes b's leading 4 bytes as a gSPI command word per
// transport/picospi.cmdWord's bit layout: write<<31 | autoInc<<30 |
// fn<<28 | (addr&0x1ffff)<<11 | size.
func (bus *busCtl) commandFromBytes(b []byte) (cmd gspiCommand, data []byte) {
	if len(b) < 4 {
		cmd, _ := bus.commandFromBytes([]byte{0xff, 0xff, 0xff, 0xff})
		cmd.Fn = gspiFuncInvalid
		return cmd, b
	}
	word := bus.Order.Uint32(b)
	cmd.Write = word&(1<<31) != 0
	cmd.AutoInc = word&(1<<30) != 0
	cmd.Fn = gspiFunction(word>>28) & 0b11
	cmd.Addr = (word >> 11) & 0x1ffff
	cmd.Size = word & ((1 << 11) - 1)
	data = b[4:]
	if cmd.Fn == gspiFuncBackplane && !cmd.Write && len(data) > 4 {
		data = b[8:] // backplane reads carry a response-delay padding word.
	}
	if bus.TrimForce > 0 {
		n := len(data) - int(bus.TrimForce)
		if n < 0 {
			n = 0
		}
		data = data[:n]
	}
	if bus.TrimStatus && len(data)-int(cmd.Size) == 4 {
		data = data[:cmd.Size]
	}
	return cmd, data
}

type transaction struct {
	Num   int
	Cmd   gspiCommand
	Data  []byte
	Start float64
}

func (bus *busCtl) process(txs []analyzers.TxSPI) (out []transaction) {
	repeats := 1
	for i := 0; i < len(txs); i++ {
		tx := txs[i]
		cmd, data := bus.commandFromBytes(tx.SDO)
		for j := i + 1; j < len(txs); j++ {
			nextCmd, nextData := bus.commandFromBytes(txs[j].SDO)
			if nextCmd != cmd || !bytes.Equal(data, nextData) {
				break
			}
			repeats++
			i = j
		}
		bus.interpretBytes(data)
		out = append(out, transaction{Num: repeats, Cmd: cmd, Data: data, Start: tx.StartTime()})
		repeats = 1
	}
	return out
}

var interpretOnce sync.Once

func (bus *busCtl) interpretBytes(data []byte) {
	if bus.WordInterpreter == bus.Order {
		return
	}
	interpretOnce.Do(func() {
		log.Println("interpreting payload words in", bus.WordInterpreter.String(), "order")
	})
	for len(data) >= 4 {
		word := bus.Order.Uint32(data[:4])
		bus.WordInterpreter.PutUint32(data[:4], word)
		data = data[4:]
	}
}
