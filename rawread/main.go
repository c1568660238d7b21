// Copyright 2025 the usbio Authors.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux && (amd64 || arm64 || riscv64 || ppc64le || s390x)

// rawread streams data from a bulk or interrupt IN endpoint of a USB device
// to stdout, keeping several transfers in flight for throughput.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/usbio/usbio"
	"github.com/usbio/usbio/usbfs"
)

var (
	busAddr  = flag.String("busaddr", "", "Bus:address of the device to open, e.g. 1:4.")
	iface    = flag.Uint("interface", 0, "Interface number to claim.")
	detach   = flag.Bool("detach", false, "Detach a bound kernel driver before claiming.")
	endpoint = flag.Uint("endpoint", 1, "IN endpoint number to read from.")
	maxPkt   = flag.Uint("max_packet", 512, "Endpoint max packet size in bytes.")
	size     = flag.Uint("read_size", 4096, "Bytes requested in a single transfer.")
	count    = flag.Uint("read_count", 8, "Number of transfers kept in flight.")
	num      = flag.Uint("read_num", 0, "Number of transfers to read. 0 means infinite.")
	debug    = flag.Bool("debug", false, "Enable debug logging.")
)

func parseBusAddr(s string) (int, int, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("want bus:addr, two decimal numbers separated by a colon, e.g. 1:4")
	}
	bus, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bus number must be a decimal integer")
	}
	addr, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("device address must be a decimal integer")
	}
	return bus, addr, nil
}

func main() {
	flag.Parse()
	usbio.SetDebug(*debug)

	if *busAddr == "" {
		log.Fatal("You need to specify the device through the --busaddr flag.")
	}
	bus, addr, err := parseBusAddr(*busAddr)
	if err != nil {
		log.Fatalf("Invalid value for --busaddr (%q): %v", *busAddr, err)
	}

	dev, err := usbfs.OpenBusAddress(bus, addr)
	if err != nil {
		log.Fatalf("Opening device: %v", err)
	}
	defer dev.Close()

	if speed, err := dev.Speed(); err == nil {
		log.Printf("Device speed: %s", speed)
	}

	var intf *usbfs.Interface
	if *detach {
		intf, err = dev.ClaimInterfaceDetach(uint8(*iface))
	} else {
		intf, err = dev.ClaimInterface(uint8(*iface))
	}
	if err != nil {
		log.Fatalf("Claiming interface %d: %v", *iface, err)
	}
	defer intf.Release()

	ep, err := usbio.NewInEndpoint(intf, usbio.EndpointDesc{
		Address:       uint8(*endpoint) | uint8(usbio.EndpointDirectionIn),
		Direction:     usbio.EndpointDirectionIn,
		TransferType:  usbio.TransferTypeBulk,
		MaxPacketSize: int(*maxPkt),
	})
	if err != nil {
		log.Fatalf("Binding endpoint: %v", err)
	}

	q := ep.NewQueue()
	defer q.Close()
	for i := uint(0); i < *count; i++ {
		q.Submit(usbio.NewReadBuffer(int(*size)))
	}

	log.Print("Reading...")
	for i := uint(0); *num == 0 || i < *num; i++ {
		c := q.Next()
		if c.Status == usbio.TransferStall {
			log.Print("Endpoint stalled, clearing halt.")
			q.CancelAll()
			for q.Pending() > 0 {
				q.Next()
			}
			if err := ep.ClearHalt(); err != nil {
				log.Fatalf("Clearing halt: %v", err)
			}
			for j := uint(0); j < *count; j++ {
				q.Submit(usbio.NewReadBuffer(int(*size)))
			}
			continue
		}
		if err := c.Err(); err != nil {
			log.Fatalf("Reading from device failed: %v", err)
		}
		os.Stdout.Write(c.Data.Bytes())
		buf := c.Data
		buf.Clear()
		buf.SetTransferLen(int(*size))
		q.Submit(buf)
	}
}
