// Command client is a minimal demo TCP client for internal/transport,
// generalizing the teacher's cmd/client/client.go (dial, send one
// hand-built NewOrder message, print whatever comes back) to the
// length-prefixed wire.Place/wire.DecodeEvent protocol. It exists to
// exercise internal/transport by hand; it is not a production trading
// client.
package main

import (
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"exchangecore/internal/common"
	"exchangecore/internal/engine"
	"exchangecore/internal/money"
	"exchangecore/internal/wire"

	"github.com/google/uuid"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9001", "engine TCP address")
	side := flag.String("side", "buy", "buy or sell")
	kind := flag.String("kind", "limit", "limit or market")
	price := flag.String("price", "500", "limit price (ignored for market)")
	qty := flag.String("qty", "1", "quantity")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dial:", err)
		os.Exit(1)
	}
	defer conn.Close()

	go printEvents(conn)

	orderSide := common.Buy
	if *side == "sell" {
		orderSide = common.Sell
	}
	orderKind := common.Limit
	if *kind == "market" {
		orderKind = common.Market
	}

	p, err := money.Parse(*price)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse price:", err)
		os.Exit(1)
	}
	q, err := money.Parse(*qty)
	if err != nil {
		fmt.Fprintln(os.Stderr, "parse qty:", err)
		os.Exit(1)
	}

	cmd := engine.Place{
		ExternalID: uuid.New(),
		Side:       orderSide,
		Kind:       orderKind,
		Price:      p,
		Quantity:   q,
		Timestamp:  time.Now(),
	}
	body, err := wire.EncodePlace(cmd)
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode place:", err)
		os.Exit(1)
	}
	if _, err := conn.Write(wire.WriteFrame(body)); err != nil {
		fmt.Fprintln(os.Stderr, "write:", err)
		os.Exit(1)
	}

	fmt.Printf("placed %s %s %s@%s external_id=%s\n", *side, *kind, *qty, *price, cmd.ExternalID)
	time.Sleep(3 * time.Second)
}

func printEvents(conn net.Conn) {
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				fmt.Fprintln(os.Stderr, "read:", err)
			}
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			body, consumed, ok := wire.SplitFrame(pending)
			if !ok {
				break
			}
			pending = pending[consumed:]
			ev, err := wire.DecodeEvent(body)
			if err != nil {
				fmt.Fprintln(os.Stderr, "decode event:", err)
				continue
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.Accepted:
		fmt.Printf("ACCEPTED external_id=%s engine_id=%d\n", e.ExternalID, e.EngineID)
	case engine.Fill:
		fmt.Printf("FILL %s qty=%s price=%s buy=%s sell=%s\n", e.FillID, e.Quantity, e.Price, e.BuyExternalID, e.SellExternalID)
	case engine.Cancelled:
		fmt.Printf("CANCELLED external_id=%s filled_at_cx=%s\n", e.ExternalID, e.FilledQtyAtCx)
	case engine.Rejected:
		fmt.Printf("REJECTED external_id=%s reason=%s\n", e.ExternalID, e.Reason)
	case engine.BookDelta:
		fmt.Printf("BOOK seq=%d bid_changes=%d ask_changes=%d\n", e.Seq, len(e.BidChanges), len(e.AskChanges))
	}
}
