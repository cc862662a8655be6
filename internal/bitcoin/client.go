// Package bitcoin implements the chain backend over a Bitcoin Core node's
// JSON-RPC interface: per-subwallet utxo scanning, fee estimation and
// transaction relay.
package bitcoin

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/rawblock/heritage-engine/internal/wallet"
)

// lookahead is the number of addresses derived beyond the last used index on
// each keychain before scanning, the conventional BIP-44 gap limit.
const lookahead = 20

type Client struct {
	RPC    *rpcclient.Client
	Config Config
}

type Config struct {
	Host string
	User string
	Pass string
}

func NewClient(cfg Config) (*Client, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.Host,
		User:         cfg.User,
		Pass:         cfg.Pass,
		HTTPPostMode: true, // Bitcoin Core only supports HTTP POST mode
		DisableTLS:   true, // Assuming local node without TLS for this setup
	}

	log.Printf("Connecting to Bitcoin RPC at %s...", cfg.Host)
	client, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, err
	}

	// Verify connection
	blockCount, err := client.GetBlockCount()
	if err != nil {
		client.Shutdown()
		return nil, err
	}
	log.Printf("Connected to Bitcoin Node. Current Block Height: %d", blockCount)

	return &Client{RPC: client, Config: cfg}, nil
}

func (c *Client) Shutdown() {
	c.RPC.Shutdown()
}

// ScanTxOutResult mirrors the scantxoutset RPC response.
type ScanTxOutResult struct {
	Success     bool        `json:"success"`
	TxOuts      int64       `json:"txouts"`
	Height      int64       `json:"height"`
	BestBlock   string      `json:"bestblock"`
	Unspents    []ScanTxOut `json:"unspents"`
	TotalAmount float64     `json:"total_amount"`
}

type ScanTxOut struct {
	TxID         string  `json:"txid"`
	Vout         uint32  `json:"vout"`
	ScriptPubKey string  `json:"scriptPubKey"`
	Amount       float64 `json:"amount"`
	Height       int64   `json:"height"`
	Desc         string  `json:"desc,omitempty"`
}

func (c *Client) scanTxOutSet(scanObjects []string) (*ScanTxOutResult, error) {
	objects, err := json.Marshal(scanObjects)
	if err != nil {
		return nil, err
	}
	rawResp, err := c.RPC.RawRequest("scantxoutset", []json.RawMessage{
		json.RawMessage(`"start"`),
		json.RawMessage(objects),
	})
	if err != nil {
		return nil, err
	}
	var res ScanTxOutResult
	if err := json.Unmarshal(rawResp, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("scantxoutset did not complete")
	}
	return &res, nil
}

// SyncSubwallet scans the chain for the subwallet's addresses with a
// gap-limit lookahead on both keychains and reconciles its tracker
// partition: utxo set, raw transactions, per-tx details and sync time.
func (c *Client) SyncSubwallet(sw *wallet.Subwallet) error {
	var scanObjects []string
	for _, kc := range []wallet.Keychain{wallet.KeychainExternal, wallet.KeychainInternal} {
		last, found, err := sw.LastIndex(kc)
		if err != nil {
			return err
		}
		upTo := uint32(lookahead)
		if found {
			upTo = last + lookahead
		}
		if err := sw.EnsureAddressesTo(kc, upTo); err != nil {
			return err
		}
		rows, err := sw.AddressRows(kc)
		if err != nil {
			return err
		}
		for _, row := range rows {
			scanObjects = append(scanObjects, fmt.Sprintf("addr(%s)", row.Address))
		}
	}

	res, err := c.scanTxOutSet(scanObjects)
	if err != nil {
		return fmt.Errorf("scanning utxo set: %v", err)
	}

	live := make(map[string]bool, len(res.Unspents))
	for _, unspent := range res.Unspents {
		utxo, err := c.trackerUtxoFromScan(sw, unspent)
		if err != nil {
			return err
		}
		if utxo == nil {
			// Not one of our scripts (should not happen with addr() scans).
			continue
		}
		live[utxo.Outpoint.String()] = true
		if err := sw.PutTrackerUtxo(*utxo); err != nil {
			return err
		}
		if err := c.recordTxDetails(sw, utxo); err != nil {
			return err
		}
	}

	// Drop spent outputs from the tracker.
	existing, err := sw.TrackerUtxos()
	if err != nil {
		return err
	}
	for _, u := range existing {
		if !live[u.Outpoint.String()] {
			if err := sw.DeleteTrackerUtxo(u.Outpoint); err != nil {
				return err
			}
		}
	}

	info, err := c.RPC.GetBlockChainInfo()
	if err != nil {
		return err
	}
	header, err := c.headerTime(info.BestBlockHash)
	if err != nil {
		return err
	}
	return sw.SetSyncTime(uint64(header))
}

func (c *Client) trackerUtxoFromScan(sw *wallet.Subwallet, unspent ScanTxOut) (*wallet.TrackerUtxo, error) {
	hash, err := chainhash.NewHashFromStr(unspent.TxID)
	if err != nil {
		return nil, fmt.Errorf("bad txid %q from scan: %v", unspent.TxID, err)
	}
	script, err := decodeHexScript(unspent.ScriptPubKey)
	if err != nil {
		return nil, err
	}
	kc, index, found, err := sw.PathForScript(script)
	if err != nil || !found {
		return nil, err
	}
	amount, err := btcutil.NewAmount(unspent.Amount)
	if err != nil {
		return nil, fmt.Errorf("bad amount %f from scan: %v", unspent.Amount, err)
	}
	return &wallet.TrackerUtxo{
		Outpoint: wallet.NewOutPoint(hash, unspent.Vout),
		Amount:   amount,
		Script:   unspent.ScriptPubKey,
		Keychain: kc.Byte(),
		Index:    index,
	}, nil
}

// recordTxDetails stores the raw funding transaction and its per-subwallet
// summary. Received sums every output paying the subwallet; sent and fee
// stay zero here (spends leave the utxo set and are accounted for by their
// own funding records elsewhere).
func (c *Client) recordTxDetails(sw *wallet.Subwallet, utxo *wallet.TrackerUtxo) error {
	txid := utxo.Outpoint.Hash.String()
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return err
	}
	verbose, err := c.RPC.GetRawTransactionVerbose(hash)
	if err != nil {
		return fmt.Errorf("fetching tx %s: %v", txid, err)
	}
	rawTx, err := decodeRawTx(verbose.Hex)
	if err != nil {
		return fmt.Errorf("decoding tx %s: %v", txid, err)
	}
	if err := sw.PutRawTx(rawTx); err != nil {
		return err
	}

	var received btcutil.Amount
	for _, out := range rawTx.TxOut {
		if _, _, found, err := sw.PathForScript(out.PkScript); err != nil {
			return err
		} else if found {
			received += btcutil.Amount(out.Value)
		}
	}
	details := wallet.TxDetails{TxID: txid, Received: received}
	if verbose.BlockHash != "" {
		height, err := c.headerHeight(verbose.BlockHash)
		if err != nil {
			return err
		}
		details.ConfirmationTime = &wallet.BlockTime{
			Height:    height,
			Timestamp: uint64(verbose.Blocktime),
		}
	}
	return sw.PutTxDetails(details)
}

func (c *Client) headerHeight(blockHash string) (uint32, error) {
	hash, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return 0, err
	}
	header, err := c.RPC.GetBlockHeaderVerbose(hash)
	if err != nil {
		return 0, err
	}
	return uint32(header.Height), nil
}

func (c *Client) headerTime(blockHash string) (int64, error) {
	hash, err := chainhash.NewHashFromStr(blockHash)
	if err != nil {
		return 0, err
	}
	header, err := c.RPC.GetBlockHeaderVerbose(hash)
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

// EstimateFee queries estimatesmartfee for the given confirmation target.
func (c *Client) EstimateFee(targetBlocks uint16) (wallet.FeeRate, error) {
	mode := btcjson.EstimateModeEconomical
	res, err := c.RPC.EstimateSmartFee(int64(targetBlocks), &mode)
	if err != nil {
		return wallet.FeeRate{}, err
	}
	if res.FeeRate == nil || *res.FeeRate <= 0 {
		return wallet.FeeRate{}, fmt.Errorf("estimatesmartfee returned no rate for target %d", targetBlocks)
	}
	// estimatesmartfee returns BTC/kvB.
	satPerVB := *res.FeeRate * 1e8 / 1000
	return wallet.FeeRateFromSatPerVB(satPerVB), nil
}

// Broadcast relays a transaction, rejecting obvious high-fee mistakes at the
// node's default threshold.
func (c *Client) Broadcast(tx *wire.MsgTx) (*chainhash.Hash, error) {
	hash, err := c.RPC.SendRawTransaction(tx, false)
	if err != nil {
		return nil, fmt.Errorf("broadcast failed: %v", err)
	}
	log.Printf("Broadcast transaction %s", hash)
	return hash, nil
}
