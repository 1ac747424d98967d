package domain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// バイトオーダー: リトルエンディアン
var byteOrder = binary.LittleEndian

const (
	ProtocolVersion   = 1
	HeaderSize        = 25
	PayloadHeaderSize = 2
	JoinPayloadSize   = 16
)

// Header はメッセージヘッダー (25バイト)
//
//	version    u8      (1)
//	sessionID  [16]byte (16)
//	seq        u16     (2)
//	length     u16     (2)  - ペイロードヘッダーを含むペイロード長
//	timestamp  u32     (4)
type Header struct {
	Version   uint8
	SessionID [16]byte
	Seq       uint16
	Length    uint16
	Timestamp uint32
}

// DataType はメッセージの種別
type DataType uint8

const (
	DataTypeControl    DataType = 4
	DataTypeMatch      DataType = 6 // クライアント → サーバー: 試合イベント
	DataTypeSettlement DataType = 7 // サーバー → クライアント: 精算結果
)

// ControlSubType はcontrolメッセージのサブタイプ
type ControlSubType uint8

const (
	ControlSubTypeJoin   ControlSubType = 1
	ControlSubTypeLeave  ControlSubType = 2
	ControlSubTypeKick   ControlSubType = 3
	ControlSubTypePing   ControlSubType = 4
	ControlSubTypePong   ControlSubType = 5
	ControlSubTypeError  ControlSubType = 6
	ControlSubTypeAssign ControlSubType = 7
)

// PayloadHeader はペイロードヘッダー (2バイト)
//
//	datatype  u8 (1)
//	subtype   u8 (1)
type PayloadHeader struct {
	DataType DataType
	SubType  uint8
}

var (
	ErrInvalidHeaderSize      = errors.New("invalid header size")
	ErrInvalidPayloadSize     = errors.New("invalid payload size")
	ErrInvalidJoinPayloadSize = errors.New("invalid join payload size")
	ErrPayloadTooLarge        = errors.New("payload too large")
)

// ParseHeader はバイト列からHeaderをパースする
func ParseHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ErrInvalidHeaderSize
	}

	var sessionID [16]byte
	copy(sessionID[:], data[1:17])

	return &Header{
		Version:   data[0],
		SessionID: sessionID,
		Seq:       byteOrder.Uint16(data[17:19]),
		Length:    byteOrder.Uint16(data[19:21]),
		Timestamp: byteOrder.Uint32(data[21:25]),
	}, nil
}

// Encode はHeaderをバイト列にエンコードする
func (h *Header) Encode() []byte {
	data := make([]byte, HeaderSize)
	data[0] = h.Version
	copy(data[1:17], h.SessionID[:])
	byteOrder.PutUint16(data[17:19], h.Seq)
	byteOrder.PutUint16(data[19:21], h.Length)
	byteOrder.PutUint32(data[21:25], h.Timestamp)
	return data
}

// ParsePayloadHeader はバイト列からPayloadHeaderをパースする
func ParsePayloadHeader(data []byte) (*PayloadHeader, error) {
	if len(data) < PayloadHeaderSize {
		return nil, ErrInvalidPayloadSize
	}

	return &PayloadHeader{
		DataType: DataType(data[0]),
		SubType:  data[1],
	}, nil
}

// Encode はPayloadHeaderをバイト列にエンコードする
func (p *PayloadHeader) Encode() []byte {
	return []byte{byte(p.DataType), p.SubType}
}

// EncodeMessage はヘッダー・ペイロードヘッダー・ペイロードを連結した1メッセージを作る
func EncodeMessage(sessionID SessionID, dataType DataType, subType uint8, payload []byte) []byte {
	header := Header{
		Version:   ProtocolVersion,
		SessionID: sessionID.Bytes(),
		Length:    uint16(PayloadHeaderSize + len(payload)),
		Timestamp: uint32(time.Now().UnixMilli() & 0xFFFFFFFF),
	}
	payloadHeader := PayloadHeader{DataType: dataType, SubType: subType}

	data := make([]byte, 0, HeaderSize+PayloadHeaderSize+len(payload))
	data = append(data, header.Encode()...)
	data = append(data, payloadHeader.Encode()...)
	data = append(data, payload...)
	return data
}

// SplitMessage はメッセージをヘッダー・ペイロードヘッダー・ペイロードに分解する
func SplitMessage(data []byte) (*Header, *PayloadHeader, []byte, error) {
	header, err := ParseHeader(data)
	if err != nil {
		return nil, nil, nil, err
	}
	payloadHeader, err := ParsePayloadHeader(data[HeaderSize:])
	if err != nil {
		return nil, nil, nil, err
	}
	return header, payloadHeader, data[HeaderSize+PayloadHeaderSize:], nil
}

// EncodeAssignMessage はセッションID通知メッセージをエンコードする
// クライアントに自分のセッションIDを通知するために使用
func EncodeAssignMessage(sessionID SessionID) []byte {
	return EncodeMessage(sessionID, DataTypeControl, uint8(ControlSubTypeAssign), nil)
}

// EncodeLeaveMessage はルーム離脱メッセージをエンコードする
// 異常切断時にclose()からRoom離脱を通知するために使用
func EncodeLeaveMessage(sessionID SessionID) []byte {
	return EncodeMessage(sessionID, DataTypeControl, uint8(ControlSubTypeLeave), nil)
}

// EncodePingMessage はPingメッセージをエンコードする
func EncodePingMessage(sessionID SessionID) []byte {
	return EncodeMessage(sessionID, DataTypeControl, uint8(ControlSubTypePing), nil)
}

func EncodePongMessage(sessionID SessionID) []byte {
	return EncodeMessage(sessionID, DataTypeControl, uint8(ControlSubTypePong), nil)
}

// EncodeJoinMessage はルーム参加メッセージをエンコードする。空のRoomIDは自動割り当てを意味する
func EncodeJoinMessage(sessionID SessionID, roomID RoomID) []byte {
	payload := JoinPayload{RoomID: roomID}
	return EncodeMessage(sessionID, DataTypeControl, uint8(ControlSubTypeJoin), payload.Encode())
}

// JoinPayload はルーム参加メッセージのペイロード (16バイト)
//
//	roomID  [16]byte  - ルームID (UUID)
type JoinPayload struct {
	RoomID RoomID
}

// ParseJoinPayload はバイト列からJoinPayloadをパースする
func ParseJoinPayload(data []byte) (*JoinPayload, error) {
	if len(data) < JoinPayloadSize {
		return nil, ErrInvalidJoinPayloadSize
	}

	var roomID RoomID
	copy(roomID[:], data[:JoinPayloadSize])

	return &JoinPayload{
		RoomID: roomID,
	}, nil
}

// Encode はJoinPayloadをバイト列にエンコードする
func (j *JoinPayload) Encode() []byte {
	return j.RoomID[:]
}

// KickPayload はキック通知のペイロード
//
//	reasonLen u8
//	reason    []byte
type KickPayload struct {
	Reason string
}

func (k *KickPayload) Encode() []byte {
	reason := k.Reason
	if len(reason) > 255 {
		reason = reason[:255]
	}
	data := make([]byte, 0, 1+len(reason))
	data = append(data, byte(len(reason)))
	return append(data, reason...)
}

func ParseKickPayload(data []byte) (*KickPayload, error) {
	reason, _, err := readShortString(data)
	if err != nil {
		return nil, err
	}
	return &KickPayload{Reason: reason}, nil
}

func EncodeKickMessage(sessionID SessionID, reason string) []byte {
	payload := KickPayload{Reason: reason}
	return EncodeMessage(sessionID, DataTypeControl, uint8(ControlSubTypeKick), payload.Encode())
}

// IsControl はメッセージが指定のcontrolサブタイプかを返す
func IsControl(data []byte, subType ControlSubType) bool {
	if len(data) < HeaderSize+PayloadHeaderSize {
		return false
	}
	return DataType(data[HeaderSize]) == DataTypeControl && ControlSubType(data[HeaderSize+1]) == subType
}

// readShortString は長さ1バイト + 本体の文字列を読み、消費したバイト数を返す
func readShortString(data []byte) (string, int, error) {
	if len(data) < 1 {
		return "", 0, ErrInvalidPayloadSize
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", 0, fmt.Errorf("%w: string of %d bytes truncated", ErrInvalidPayloadSize, n)
	}
	return string(data[1 : 1+n]), 1 + n, nil
}
