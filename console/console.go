// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package console implements the SSH supervisor console.
package console

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"

	"golang.org/x/crypto/ssh"
	"golang.org/x/term"
)

// Console represents an SSH console instance.
type Console struct {
	// Banner is the login welcome banner
	Banner string
	// Handler is the terminal command handler, defaults to Handle
	Handler func(*term.Terminal, string) error
	// HostKey is the server key, an ephemeral one is generated when nil
	HostKey ssh.Signer
}

// attach redirects the output of supervised sandboxes to a session and
// returns the function restoring it.
func attach(t *term.Terminal) (detach func()) {
	tgt, err := getTarget()

	if err != nil {
		return func() {}
	}

	var restore []func()

	for _, s := range tgt.Sandboxes {
		if s.Log == nil {
			continue
		}

		l := s.Log
		prev := l.Writer()

		l.SetTerminal(t, true)
		restore = append(restore, func() { l.SetOutput(prev) })
	}

	return func() {
		for _, fn := range restore {
			fn()
		}
	}
}

func (c *Console) session(t *term.Terminal, conn io.Closer) {
	defer conn.Close()

	prev := log.Writer()
	log.SetOutput(io.MultiWriter(prev, t))
	defer log.SetOutput(prev)

	detach := attach(t)
	defer detach()

	handler := c.Handler

	if handler == nil {
		handler = Handle
	}

	fmt.Fprintf(t, "%s\n", c.Banner)
	fmt.Fprintf(t, "%s\n", Help(t))

	for {
		cmd, err := t.ReadLine()

		if err == io.EOF {
			break
		}

		if err != nil {
			log.Printf("readline error: %v", err)
			continue
		}

		err = handler(t, cmd)

		if err == io.EOF {
			break
		}

		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}

	log.Printf("closing ssh connection")
}

func (c *Console) handleChannel(newChannel ssh.NewChannel) {
	if t := newChannel.ChannelType(); t != "session" {
		_ = newChannel.Reject(ssh.UnknownChannelType, fmt.Sprintf("unknown channel type: %s", t))
		return
	}

	conn, requests, err := newChannel.Accept()

	if err != nil {
		log.Printf("error accepting channel, %v", err)
		return
	}

	t := term.NewTerminal(conn, "")
	t.SetPrompt(string(t.Escape.Red) + "> " + string(t.Escape.Reset))

	go c.session(t, conn)

	go func() {
		for req := range requests {
			reqSize := len(req.Payload)

			switch req.Type {
			case "shell":
				// do not accept payload commands
				if len(req.Payload) == 0 {
					_ = req.Reply(true, nil)
				}
			case "pty-req":
				// p10, 6.2.  Requesting a Pseudo-Terminal, RFC4254
				if reqSize < 4 {
					log.Printf("malformed pty-req request")
					continue
				}

				termVariableSize := int(req.Payload[3])

				if reqSize < 4+termVariableSize+8 {
					log.Printf("malformed pty-req request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload[4+termVariableSize:])
				h := binary.BigEndian.Uint32(req.Payload[4+termVariableSize+4:])

				_ = t.SetSize(int(w), int(h))
				_ = req.Reply(true, nil)
			case "window-change":
				// p10, 6.7.  Window Dimension Change Message, RFC4254
				if reqSize < 8 {
					log.Printf("malformed window-change request")
					continue
				}

				w := binary.BigEndian.Uint32(req.Payload)
				h := binary.BigEndian.Uint32(req.Payload[4:])

				_ = t.SetSize(int(w), int(h))
			default:
				if req.WantReply {
					_ = req.Reply(false, nil)
				}
			}
		}
	}()
}

func (c *Console) handleChannels(chans <-chan ssh.NewChannel) {
	for newChannel := range chans {
		go c.handleChannel(newChannel)
	}
}

func (c *Console) listen(listener net.Listener, srv *ssh.ServerConfig) {
	for {
		conn, err := listener.Accept()

		if err != nil {
			log.Printf("closing ssh listener, %v", err)
			return
		}

		go func() {
			sshConn, chans, reqs, err := ssh.NewServerConn(conn, srv)

			if err != nil {
				log.Printf("error accepting handshake, %v", err)
				return
			}

			log.Printf("new ssh connection from %s (%s)", sshConn.RemoteAddr(), sshConn.ClientVersion())

			go ssh.DiscardRequests(reqs)
			c.handleChannels(chans)
		}()
	}
}

// Start instantiates an SSH console on the given listener, the console
// stops when the listener is closed.
func (c *Console) Start(listener net.Listener) (err error) {
	srv := &ssh.ServerConfig{
		NoClientAuth: true,
	}

	signer := c.HostKey

	if signer == nil {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)

		if err != nil {
			return fmt.Errorf("private key generation error, %v", err)
		}

		if signer, err = ssh.NewSignerFromKey(key); err != nil {
			return fmt.Errorf("key conversion error, %v", err)
		}
	}

	log.Printf("starting ssh server (%s)", ssh.FingerprintSHA256(signer.PublicKey()))

	srv.AddHostKey(signer)

	go c.listen(listener, srv)

	return
}
