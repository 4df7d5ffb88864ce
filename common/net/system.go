package net

import "net"

// DialTCP is an alias of net.DialTCP.
var DialTCP = net.DialTCP

// DialUDP is an alias of net.DialUDP.
var DialUDP = net.DialUDP

// Listen is an alias of net.Listen.
var Listen = net.Listen

// ListenTCP is an alias of net.ListenTCP.
var ListenTCP = net.ListenTCP

// ListenUDP is an alias of net.ListenUDP.
var ListenUDP = net.ListenUDP

// LookupIP is an alias of net.LookupIP.
var LookupIP = net.LookupIP

// SplitHostPort is an alias of net.SplitHostPort.
var SplitHostPort = net.SplitHostPort

// CIDRMask is an alias of net.CIDRMask.
var CIDRMask = net.CIDRMask

// ParseCIDR is an alias of net.ParseCIDR
var ParseCIDR = net.ParseCIDR

// IP is an alias of net.IP.
type IP = net.IP

// IPNet is an alias of net.IPNet.
type IPNet = net.IPNet

// Conn is an alias of net.Conn.
type Conn = net.Conn

// PacketConn is an alias of net.PacketConn.
type PacketConn = net.PacketConn

// TCPConn is an alias of net.TCPConn.
type TCPConn = net.TCPConn

// UDPConn is an alias of net.UDPConn.
type UDPConn = net.UDPConn

// UDPAddr is an alias of net.UDPAddr.
type UDPAddr = net.UDPAddr

// TCPAddr is an alias of net.TCPAddr.
type TCPAddr = net.TCPAddr

// Addr is an alias of net.Addr.
type Addr = net.Addr

// Listener is an alias of net.Listener.
type Listener = net.Listener

// TCPListener is an alias of net.TCPListener.
type TCPListener = net.TCPListener

// Dialer is an alias of net.Dialer.
type Dialer = net.Dialer

// ListenConfig is an alias of net.ListenConfig.
type ListenConfig = net.ListenConfig

// Resolver is an alias of net.Resolver.
type Resolver = net.Resolver

// Error is an alias of net.Error.
type Error = net.Error

// AddrError is an alias of net.AddrError.
type AddrError = net.AddrError
