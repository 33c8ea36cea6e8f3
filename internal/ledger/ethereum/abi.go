package ethledger

// registryABI is the subset of the instrument registry contract the oracle
// calls. createBond deploys a bond token and emits InstrumentListed with the
// new token address.
const registryABI = `[
  {
    "type": "function",
    "name": "createBond",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "isinCode", "type": "string"},
      {"name": "symbol", "type": "string"},
      {"name": "currency", "type": "string"},
      {"name": "nominalAmount", "type": "uint256"},
      {"name": "denomination", "type": "uint256"},
      {"name": "decimals", "type": "uint8"},
      {"name": "startDate", "type": "uint256"},
      {"name": "maturityDate", "type": "uint256"},
      {"name": "firstCouponDate", "type": "uint256"},
      {"name": "couponFrequencyInMonths", "type": "uint256"},
      {"name": "couponRateInBips", "type": "uint256"},
      {"name": "isCallable", "type": "bool"},
      {"name": "isSoftBullet", "type": "bool"},
      {"name": "softBulletPeriodInMonths", "type": "uint256"},
      {"name": "issuer", "type": "address"},
      {"name": "registrarAgent", "type": "address"},
      {"name": "settlerAgent", "type": "address"}
    ],
    "outputs": [{"name": "instrument", "type": "address"}]
  },
  {
    "type": "function",
    "name": "getInstrumentDetails",
    "stateMutability": "view",
    "inputs": [{"name": "instrument", "type": "address"}],
    "outputs": [
      {"name": "issuer", "type": "address"},
      {"name": "registrarAgentAddress", "type": "address"},
      {"name": "settlerAgentAddress", "type": "address"},
      {"name": "initialSupply", "type": "uint256"},
      {"name": "isinCode", "type": "string"},
      {"name": "name", "type": "string"},
      {"name": "symbol", "type": "string"},
      {"name": "denomination", "type": "uint256"},
      {"name": "divisor", "type": "uint256"},
      {"name": "startDate", "type": "uint256"},
      {"name": "maturityDate", "type": "uint256"},
      {"name": "firstCouponDate", "type": "uint256"},
      {"name": "couponFrequencyInMonths", "type": "uint256"},
      {"name": "interestRateInBips", "type": "uint256"},
      {"name": "callable", "type": "bool"},
      {"name": "isSoftBullet", "type": "bool"},
      {"name": "softBulletPeriodInMonths", "type": "uint256"}
    ]
  },
  {
    "type": "event",
    "name": "InstrumentListed",
    "anonymous": false,
    "inputs": [
      {"name": "instrument", "type": "address", "indexed": true},
      {"name": "isinCode", "type": "string", "indexed": false}
    ]
  }
]`
